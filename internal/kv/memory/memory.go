// Package memory provides an in-process kv.Client backed by a sorted map.
// It backs the unit tests and doubles as an embedded store for local use.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/kv"
)

func init() {
	kv.Register("memory", openMemory)
}

// openMemory is the kv.Driver for the "memory" backend. Each table name maps
// to an independent client.
func openMemory(_ context.Context, _ config.StoreConfig, _ string) (kv.Client, error) {
	return New(), nil
}

// Client is an in-memory sorted key-value table.
type Client struct {
	mu     sync.RWMutex
	rows   map[string]map[string][]byte
	closed bool
}

// New returns an empty in-memory client.
func New() *Client {
	return &Client{rows: make(map[string]map[string][]byte)}
}

// Put merges columns into the row at key, creating the row if absent.
func (c *Client) Put(_ context.Context, key []byte, columns map[string][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kv.ErrClosed
	}
	row, ok := c.rows[string(key)]
	if !ok {
		row = make(map[string][]byte, len(columns))
		c.rows[string(key)] = row
	}
	for q, v := range columns {
		row[q] = append([]byte(nil), v...)
	}
	return nil
}

// Get returns a copy of the row's columns, or nil if the row does not exist.
func (c *Client) Get(_ context.Context, key []byte) (map[string][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, kv.ErrClosed
	}
	row, ok := c.rows[string(key)]
	if !ok {
		return nil, nil
	}
	return copyColumns(row), nil
}

// Delete removes the whole row at key.
func (c *Client) Delete(_ context.Context, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kv.ErrClosed
	}
	delete(c.rows, string(key))
	return nil
}

// Scan returns a scanner over the keys in [start, stop). The scanner works on
// a point-in-time copy of the matching keys, so writes racing the scan may or
// may not be observed, like a real store's read-after-write window.
func (c *Client) Scan(_ context.Context, start, stop []byte, batchSize int) (kv.Scanner, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, kv.ErrClosed
	}
	if batchSize < 1 {
		batchSize = 1
	}

	keys := make([]string, 0)
	for k := range c.rows {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if stop != nil && bytes.Compare(kb, stop) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &scanner{client: c, keys: keys, batchSize: batchSize}, nil
}

// Flush is a no-op; the in-memory client has no write buffering.
func (c *Client) Flush(context.Context) error { return nil }

// Ping reports whether the client is still open.
func (c *Client) Ping(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return kv.ErrClosed
	}
	return nil
}

// Close marks the client closed and drops its rows.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.rows = nil
	return nil
}

// Len reports the number of live rows. Test helper.
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

type scanner struct {
	client    *Client
	keys      []string
	batchSize int
	pos       int
	closed    bool
}

func (s *scanner) Next(_ context.Context) ([]kv.Row, error) {
	if s.closed || s.pos >= len(s.keys) {
		return nil, nil
	}

	s.client.mu.RLock()
	defer s.client.mu.RUnlock()

	var batch []kv.Row
	for len(batch) == 0 && s.pos < len(s.keys) {
		end := s.pos + s.batchSize
		if end > len(s.keys) {
			end = len(s.keys)
		}
		for _, k := range s.keys[s.pos:end] {
			row, ok := s.client.rows[k]
			if !ok {
				// Deleted since the scan opened.
				continue
			}
			batch = append(batch, kv.Row{Key: []byte(k), Columns: copyColumns(row)})
		}
		s.pos = end
	}
	return batch, nil
}

func (s *scanner) Close() error {
	s.closed = true
	return nil
}

func copyColumns(row map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(row))
	for q, v := range row {
		out[q] = append([]byte(nil), v...)
	}
	return out
}
