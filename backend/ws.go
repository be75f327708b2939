package backend

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/logger"
	"github.com/sensorium/worldmodel/world"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer (1MB for document batches)
	maxMessageSize = 1024 * 1024

	// Buffered remote change notifications. When the buffer fills, the
	// oldest notification is evicted so the newest state keeps flowing;
	// the evicted entity reconverges on its next change or the next full
	// pull.
	changeBuffer = 256
)

// WSDialer dials the remote document store over WebSocket and binds the
// session to one (project, collection) pair. Credential material is read
// at dial time so rotation applies on the next session without a restart.
type WSDialer struct {
	URL             string
	Project         string
	Collection      string
	CredentialsPath string
	Logger          *zap.SugaredLogger
}

// Dial establishes a session: connect, send hello, await the ack.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	token, err := os.ReadFile(d.CredentialsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read credentials from %s", d.CredentialsPath)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "dial %s: %v", d.URL, err)
	}

	c := &wsConn{
		conn:    conn,
		logger:  d.Logger,
		pending: make(map[int64]chan Msg),
		changes: make(chan world.Document, changeBuffer),
		done:    make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.pingLoop()

	if _, err := c.request(ctx, Msg{
		Type:       MsgHello,
		Project:    d.Project,
		Collection: d.Collection,
		Token:      string(token),
	}); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "session handshake failed")
	}

	d.Logger.Infow("Backend session established",
		logger.FieldURL, d.URL,
		"collection", d.Collection,
	)
	return c, nil
}

// wsConn is one live WebSocket session. Concurrent requests multiplex over
// the session via client-assigned sequence numbers.
type wsConn struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu sync.Mutex
	seq     atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan Msg

	changes   chan world.Document
	done      chan struct{}
	closeOnce sync.Once
}

// readPump routes incoming messages: responses to their waiting request,
// change notifications to the changes channel.
func (c *wsConn) readPump() {
	defer c.Close()

	for {
		var msg Msg
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warnw("Backend session read error", logger.FieldError, err)
			}
			return
		}

		if msg.Type == MsgChange {
			if msg.Doc == nil {
				continue
			}
			select {
			case c.changes <- *msg.Doc:
			default:
				// Buffer full: evict the oldest notification to make room.
				// readPump is the only sender, so after the eviction the
				// send cannot block.
				select {
				case old := <-c.changes:
					c.logger.Warnw("Evicted remote change notification",
						logger.FieldEntityID, old.ID,
						logger.FieldRemoteVersion, old.Version,
					)
				default:
				}
				c.changes <- *msg.Doc
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.Seq]
		if ok {
			delete(c.pending, msg.Seq)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// pingLoop keeps the session alive with WebSocket control pings. The pong
// handler set in Dial extends the read deadline.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// request sends one message and waits for the matching response.
func (c *wsConn) request(ctx context.Context, msg Msg) (Msg, error) {
	msg.Seq = c.seq.Add(1)

	ch := make(chan Msg, 1)
	c.mu.Lock()
	c.pending[msg.Seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return Msg{}, errors.Wrapf(errors.ErrUnavailable, "write failed: %v", err)
	}

	select {
	case <-ctx.Done():
		return Msg{}, errors.Wrap(ctx.Err(), "request cancelled")
	case <-c.done:
		return Msg{}, errors.Wrap(errors.ErrUnavailable, "session closed")
	case resp := <-ch:
		if resp.Type == MsgError {
			return Msg{}, respError(resp)
		}
		return resp, nil
	}
}

// respError maps a protocol error message onto the store's error taxonomy.
func respError(resp Msg) error {
	switch resp.Code {
	case CodeConflict:
		return errors.NewConflict(resp.EntityID, resp.CurrentVersion)
	case CodeNotFound:
		return errors.NewNotFoundError("document %q not found remotely", resp.EntityID)
	default:
		return errors.Wrapf(errors.ErrBackend, "%s", resp.Error)
	}
}

func (c *wsConn) Push(ctx context.Context, doc world.Document) error {
	_, err := c.request(ctx, Msg{Type: MsgPush, EntityID: doc.ID, Doc: &doc})
	return err
}

func (c *wsConn) Fetch(ctx context.Context, entityID string) (world.Document, error) {
	resp, err := c.request(ctx, Msg{Type: MsgFetch, EntityID: entityID})
	if err != nil {
		return world.Document{}, err
	}
	if resp.Doc == nil {
		return world.Document{}, errors.NewNotFoundError("document %q not found remotely", entityID)
	}
	return *resp.Doc, nil
}

func (c *wsConn) List(ctx context.Context) ([]world.Document, error) {
	resp, err := c.request(ctx, Msg{Type: MsgList})
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	resp, err := c.request(ctx, Msg{Type: MsgPing})
	if err != nil {
		return err
	}
	if resp.Type != MsgPong {
		return errors.Wrapf(errors.ErrBackend, "expected pong, got %s", resp.Type)
	}
	return nil
}

func (c *wsConn) Changes() <-chan world.Document {
	return c.changes
}

// Close tears the session down, failing all in-flight requests.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}
