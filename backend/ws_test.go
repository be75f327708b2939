package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/world"
)

// wsTestServer is a minimal protocol server over httptest: enough of the
// backend's behavior to exercise the client side of the session.
type wsTestServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	hello *Msg
	docs  map[string]world.Document
	conn  *websocket.Conn
}

func newWSTestServer(t *testing.T) (*wsTestServer, *WSDialer) {
	t.Helper()
	s := &wsTestServer{t: t, docs: make(map[string]world.Document)}

	httpSrv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(httpSrv.Close)

	credPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(credPath, []byte("secret-token"), 0o600))

	dialer := &WSDialer{
		URL:             "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
		Project:         "sensorium-test",
		Collection:      "world_model",
		CredentialsPath: credPath,
		Logger:          zaptest.NewLogger(t).Sugar(),
	}
	return s, dialer
}

func (s *wsTestServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		var msg Msg
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var resp Msg
		switch msg.Type {
		case MsgHello:
			s.mu.Lock()
			s.hello = &msg
			s.mu.Unlock()
			resp = Msg{Type: MsgAck, Seq: msg.Seq}

		case MsgPing:
			resp = Msg{Type: MsgPong, Seq: msg.Seq}

		case MsgPush:
			s.mu.Lock()
			cur := s.docs[msg.Doc.ID].Version
			if msg.Doc.Version != cur+1 {
				resp = Msg{Type: MsgError, Seq: msg.Seq, Code: CodeConflict, EntityID: msg.Doc.ID, CurrentVersion: cur}
			} else {
				s.docs[msg.Doc.ID] = *msg.Doc
				resp = Msg{Type: MsgAck, Seq: msg.Seq}
			}
			s.mu.Unlock()

		case MsgFetch:
			s.mu.Lock()
			doc, ok := s.docs[msg.EntityID]
			s.mu.Unlock()
			if !ok {
				resp = Msg{Type: MsgError, Seq: msg.Seq, Code: CodeNotFound, EntityID: msg.EntityID}
			} else {
				resp = Msg{Type: MsgAck, Seq: msg.Seq, Doc: &doc}
			}

		case MsgList:
			s.mu.Lock()
			docs := make([]world.Document, 0, len(s.docs))
			for _, d := range s.docs {
				docs = append(docs, d)
			}
			s.mu.Unlock()
			resp = Msg{Type: MsgAck, Seq: msg.Seq, Docs: docs}

		default:
			resp = Msg{Type: MsgError, Seq: msg.Seq, Error: "unsupported"}
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// notifyChange pushes an unsolicited change notification to the client.
func (s *wsTestServer) notifyChange(doc world.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.WriteJSON(Msg{Type: MsgChange, Doc: &doc})
}

func testWSDoc(id string, version int64) world.Document {
	return world.Document{
		ID:          id,
		EntityType:  "sensor",
		Confidence:  0.9,
		LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		State:       string(world.StateStable),
		Version:     version,
	}
}

func TestWSDialerHandshake(t *testing.T) {
	srv, dialer := newWSTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	srv.mu.Lock()
	hello := srv.hello
	srv.mu.Unlock()
	require.NotNil(t, hello)
	assert.Equal(t, "sensorium-test", hello.Project)
	assert.Equal(t, "world_model", hello.Collection)
	assert.Equal(t, "secret-token", hello.Token, "credential material is read from disk at dial time")
}

func TestWSDialerMissingCredentials(t *testing.T) {
	_, dialer := newWSTestServer(t)
	dialer.CredentialsPath = "/nonexistent/credentials.json"

	_, err := dialer.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read credentials")
}

func TestWSConnPushFetchPing(t *testing.T) {
	_, dialer := newWSTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Ping(ctx))
	require.NoError(t, conn.Push(ctx, testWSDoc("e1", 1)))

	got, err := conn.Fetch(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "sensor", got.EntityType)

	docs, err := conn.List(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	_, err = conn.Fetch(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestWSConnConflictMapsToTaxonomy(t *testing.T) {
	_, dialer := newWSTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Push(ctx, testWSDoc("e1", 1)))

	// Replaying version 1 conflicts; the error carries the remote version.
	err = conn.Push(ctx, testWSDoc("e1", 1))
	require.Error(t, err)
	conflict, ok := errors.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "e1", conflict.EntityID)
	assert.Equal(t, int64(1), conflict.CurrentVersion)
}

func TestWSConnDeliversChanges(t *testing.T) {
	srv, dialer := newWSTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	srv.notifyChange(testWSDoc("remote-1", 3))

	select {
	case doc := <-conn.Changes():
		assert.Equal(t, "remote-1", doc.ID)
		assert.Equal(t, int64(3), doc.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("change notification never arrived")
	}
}

func TestWSConnChangeOverflowKeepsNewest(t *testing.T) {
	srv, dialer := newWSTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	// Overrun the change buffer while nobody reads. Old notifications are
	// evicted to make room, so the most recent one must still be delivered.
	total := changeBuffer + 50
	for v := 1; v <= total; v++ {
		srv.notifyChange(testWSDoc("hot", int64(v)))
	}
	time.Sleep(300 * time.Millisecond) // let the read pump fill the buffer

	deadline := time.After(3 * time.Second)
	for {
		select {
		case doc := <-conn.Changes():
			if doc.Version == int64(total) {
				return
			}
		case <-deadline:
			t.Fatalf("newest change notification (version %d) was not retained", total)
		}
	}
}

func TestWSConnRequestsFailAfterClose(t *testing.T) {
	_, dialer := newWSTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	err = conn.Ping(ctx)
	assert.True(t, errors.IsUnavailable(err))
}
