package kv

import (
	"context"
	"sync"
)

// Shared is a reference-counted client handle. The journal, replay, deletion
// and snapshot layers can all hold the same underlying client; the client is
// closed only when the last holder releases it, never on a single store's
// teardown.
type Shared struct {
	mu     sync.Mutex
	client Client
	refs   int
}

// NewShared wraps a client with an initial reference count of one.
func NewShared(c Client) *Shared {
	return &Shared{client: c, refs: 1}
}

// Acquire increments the reference count and returns the shared handle.
func (s *Shared) Acquire() *Shared {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s
}

// Release decrements the reference count, closing the underlying client when
// it reaches zero. Releasing an already-closed handle is a no-op.
func (s *Shared) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs == 0 {
		return s.client.Close()
	}
	return nil
}

func (s *Shared) get() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	return s.client
}

// Put implements Client.
func (s *Shared) Put(ctx context.Context, key []byte, columns map[string][]byte) error {
	c := s.get()
	if c == nil {
		return ErrClosed
	}
	return c.Put(ctx, key, columns)
}

// Get implements Client.
func (s *Shared) Get(ctx context.Context, key []byte) (map[string][]byte, error) {
	c := s.get()
	if c == nil {
		return nil, ErrClosed
	}
	return c.Get(ctx, key)
}

// Delete implements Client.
func (s *Shared) Delete(ctx context.Context, key []byte) error {
	c := s.get()
	if c == nil {
		return ErrClosed
	}
	return c.Delete(ctx, key)
}

// Scan implements Client.
func (s *Shared) Scan(ctx context.Context, start, stop []byte, batchSize int) (Scanner, error) {
	c := s.get()
	if c == nil {
		return nil, ErrClosed
	}
	return c.Scan(ctx, start, stop, batchSize)
}

// Flush implements Client.
func (s *Shared) Flush(ctx context.Context) error {
	c := s.get()
	if c == nil {
		return ErrClosed
	}
	return c.Flush(ctx)
}

// Ping implements Client.
func (s *Shared) Ping(ctx context.Context) error {
	c := s.get()
	if c == nil {
		return ErrClosed
	}
	return c.Ping(ctx)
}

// Close releases one reference. It exists so a Shared satisfies Client.
func (s *Shared) Close() error { return s.Release() }
