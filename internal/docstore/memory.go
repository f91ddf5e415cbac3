package docstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

// ErrDisconnected is delivered to streams cut by Memory.Disconnect.
var ErrDisconnected = chaterr.Newf(chaterr.Transient, "docstore", "connection lost")

// Memory is an in-process Store that keeps a full change log per collection.
// The websocket protocol tests serve it; engine tests use it directly.
type Memory struct {
	mu       sync.Mutex
	cols     map[string]*collection
	writeErr error
	// MaxBatch bounds the changes per batch; zero means 100.
	MaxBatch int
}

type collection struct {
	version int64
	log     []logged
	docs    map[string]json.RawMessage
	writes  int
	streams map[*memStream]struct{}
	wake    chan struct{}
}

type logged struct {
	version int64
	change  Change
}

func NewMemory() *Memory {
	return &Memory{cols: make(map[string]*collection)}
}

func (m *Memory) col(path string) *collection {
	c, ok := m.cols[path]
	if !ok {
		c = &collection{
			docs:    make(map[string]json.RawMessage),
			streams: make(map[*memStream]struct{}),
			wake:    make(chan struct{}),
		}
		m.cols[path] = c
	}
	return c
}

// append must be called with m.mu held.
func (c *collection) append(ch Change) {
	c.version++
	c.log = append(c.log, logged{version: c.version, change: ch})
	close(c.wake)
	c.wake = make(chan struct{})
}

// WriteDocument implements Store.
func (m *Memory) WriteDocument(_ context.Context, path, id string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	c := m.col(path)
	c.writes++
	typ := Added
	if prev, ok := c.docs[id]; ok {
		if string(prev) == string(data) {
			return nil
		}
		typ = Modified
	}
	c.docs[id] = append(json.RawMessage(nil), data...)
	c.append(Change{Type: typ, DocumentID: id, Data: c.docs[id]})
	return nil
}

// Remove deletes a document.
func (m *Memory) Remove(path, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.col(path)
	if _, ok := c.docs[id]; !ok {
		return
	}
	delete(c.docs, id)
	c.append(Change{Type: Removed, DocumentID: id})
}

// Document returns the current body of a document.
func (m *Memory) Document(path, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.col(path).docs[id]
	return d, ok
}

// Writes counts WriteDocument calls that reached the collection.
func (m *Memory) Writes(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.col(path).writes
}

// FailWrites makes every WriteDocument return err until called with nil.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Disconnect cuts every open stream on path with ErrDisconnected.
func (m *Memory) Disconnect(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.col(path)
	for s := range c.streams {
		s.err = ErrDisconnected
		delete(c.streams, s)
	}
	close(c.wake)
	c.wake = make(chan struct{})
}

// Streams reports the open streams on path.
func (m *Memory) Streams(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.col(path).streams)
}

// Subscribe implements Store. The cursor token is the decimal version.
func (m *Memory) Subscribe(_ context.Context, path string, from Cursor) (Stream, error) {
	after := from.Version
	if from.Token != "" {
		v, err := strconv.ParseInt(from.Token, 10, 64)
		if err != nil {
			return nil, chaterr.Newf(chaterr.Rejected, "docstore.subscribe", "bad cursor token %q", from.Token)
		}
		after = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memStream{m: m, path: path, after: after, closed: make(chan struct{})}
	m.col(path).streams[s] = struct{}{}
	return s, nil
}

type memStream struct {
	m      *Memory
	path   string
	after  int64
	primed bool
	err    error
	closed chan struct{}
	once   sync.Once
}

func (s *memStream) Next(ctx context.Context) (Batch, error) {
	for {
		s.m.mu.Lock()
		select {
		case <-s.closed:
			s.m.mu.Unlock()
			return Batch{}, ErrStreamClosed
		default:
		}
		if s.err != nil {
			err := s.err
			s.m.mu.Unlock()
			return Batch{}, err
		}
		c := s.m.col(s.path)
		if b, ok := s.take(c); ok {
			s.m.mu.Unlock()
			return b, nil
		}
		wake := c.wake
		s.m.mu.Unlock()

		select {
		case <-wake:
		case <-s.closed:
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

// take must be called with s.m.mu held.
func (s *memStream) take(c *collection) (Batch, bool) {
	limit := s.m.MaxBatch
	if limit <= 0 {
		limit = 100
	}
	var b Batch
	last := s.after
	for _, l := range c.log {
		if l.version <= s.after {
			continue
		}
		if len(b.Changes) == limit {
			break
		}
		b.Changes = append(b.Changes, l.change)
		last = l.version
	}
	if len(b.Changes) == 0 && s.primed {
		return Batch{}, false
	}
	s.primed = true
	s.after = last
	b.Cursor = Cursor{Token: strconv.FormatInt(last, 10), Version: last}
	b.UpToDate = last >= c.version
	return b, true
}

func (s *memStream) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.col(s.path).streams, s)
		s.m.mu.Unlock()
		close(s.closed)
	})
	return nil
}

var _ Store = (*Memory)(nil)
