// Package backendtest provides an in-memory fake of the remote document
// store for tests: real compare-and-swap semantics, change notification
// fan-out, and a switch to simulate outages.
package backendtest

import (
	"context"
	"sync"

	"github.com/sensorium/worldmodel/backend"
	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/world"
)

// Server is the fake remote store. It retains tombstones so the version
// chain survives deletion, exactly like the real backend.
type Server struct {
	mu    sync.Mutex
	docs  map[string]world.Document
	conns map[*Conn]struct{}
	down  bool
	dials int
}

// NewServer creates an empty fake store.
func NewServer() *Server {
	return &Server{
		docs:  make(map[string]world.Document),
		conns: make(map[*Conn]struct{}),
	}
}

// SetDown toggles a simulated outage: dials fail, live sessions error on
// every operation.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Seed stores a document directly, bypassing the CAS check.
func (s *Server) Seed(doc world.Document) {
	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()
}

// Doc returns the stored document (tombstones included).
func (s *Server) Doc(id string) (world.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return d, ok
}

// Dials reports how many successful sessions have been established.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Broadcast simulates a remote-origin change: the document is stored as-is
// and every live session is notified.
func (s *Server) Broadcast(doc world.Document) {
	s.mu.Lock()
	s.docs[doc.ID] = doc
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.notify(doc)
	}
}

// Dialer hands out sessions against the fake server.
type Dialer struct {
	S *Server
}

// Dial implements backend.Dialer.
func (d *Dialer) Dial(ctx context.Context) (backend.Conn, error) {
	d.S.mu.Lock()
	defer d.S.mu.Unlock()
	if d.S.down {
		return nil, errors.Wrap(errors.ErrUnavailable, "fake backend is down")
	}
	c := &Conn{
		server:  d.S,
		changes: make(chan world.Document, 64),
	}
	d.S.conns[c] = struct{}{}
	d.S.dials++
	return c, nil
}

// Conn is one fake session.
type Conn struct {
	server  *Server
	changes chan world.Document

	mu     sync.Mutex
	closed bool
}

func (c *Conn) check() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.Wrap(errors.ErrUnavailable, "session closed")
	}
	c.server.mu.Lock()
	down := c.server.down
	c.server.mu.Unlock()
	if down {
		return errors.Wrap(errors.ErrUnavailable, "fake backend is down")
	}
	return nil
}

// Push applies the CAS rule: a document is accepted only when its version
// immediately follows the stored one (version 1 for a new id).
func (c *Conn) Push(ctx context.Context, doc world.Document) error {
	if err := c.check(); err != nil {
		return err
	}

	c.server.mu.Lock()
	cur, exists := c.server.docs[doc.ID]
	var current int64
	if exists {
		current = cur.Version
	}
	if doc.Version != current+1 {
		c.server.mu.Unlock()
		return errors.NewConflict(doc.ID, current)
	}
	c.server.docs[doc.ID] = doc
	others := make([]*Conn, 0, len(c.server.conns))
	for other := range c.server.conns {
		if other != c {
			others = append(others, other)
		}
	}
	c.server.mu.Unlock()

	for _, other := range others {
		other.notify(doc)
	}
	return nil
}

func (c *Conn) Fetch(ctx context.Context, entityID string) (world.Document, error) {
	if err := c.check(); err != nil {
		return world.Document{}, err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	doc, ok := c.server.docs[entityID]
	if !ok {
		return world.Document{}, errors.NewNotFoundError("document %q not found remotely", entityID)
	}
	return doc, nil
}

func (c *Conn) List(ctx context.Context) ([]world.Document, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	var docs []world.Document
	for _, d := range c.server.docs {
		if !d.Deleted {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.check()
}

func (c *Conn) Changes() <-chan world.Document {
	return c.changes
}

func (c *Conn) notify(doc world.Document) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.changes <- doc:
	default:
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.server.mu.Lock()
	delete(c.server.conns, c)
	c.server.mu.Unlock()
	return nil
}
