package postgres_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/jensholdgaard/streamjournal/internal/kv/postgres"
)

func newTestClient(t *testing.T) *postgres.Client {
	t.Helper()
	db := newTestDB(t)
	c, err := postgres.NewClient(db, "journal")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RejectsBadTableName(t *testing.T) {
	if _, err := postgres.NewClient(nil, "journal; DROP TABLE journal"); err == nil {
		t.Fatal("expected error for invalid table name")
	}
}

func TestClient_PutGetDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := []byte("stream-1~00000000000000000001")

	err := c.Put(ctx, key, map[string][]byte{
		"marker":  []byte("A"),
		"payload": []byte(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	cols, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(cols["marker"]) != "A" || string(cols["payload"]) != `{"n":1}` {
		t.Errorf("columns = %v", cols)
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cols, err = c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if cols != nil {
		t.Errorf("row still present after delete: %v", cols)
	}
}

func TestClient_PutOverwritesSingleQualifier(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := []byte("stream-1~00000000000000000001")

	err := c.Put(ctx, key, map[string][]byte{
		"marker":  []byte("A"),
		"payload": []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Tombstoning touches only the marker qualifier.
	if err := c.Put(ctx, key, map[string][]byte{"marker": []byte("D")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cols, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(cols["marker"]) != "D" {
		t.Errorf("marker = %q, want %q", cols["marker"], "D")
	}
	if string(cols["payload"]) != "hello" {
		t.Errorf("payload = %q, want %q", cols["payload"], "hello")
	}
}

func TestClient_ScanPagesWholeRowsInKeyOrder(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	// Insert out of order; the scan must come back sorted by key bytes.
	for _, n := range []int{5, 1, 4, 2, 3} {
		key := []byte(fmt.Sprintf("stream-1~%020d", n))
		err := c.Put(ctx, key, map[string][]byte{
			"marker":  []byte("A"),
			"payload": []byte(fmt.Sprintf("e%d", n)),
		})
		if err != nil {
			t.Fatalf("Put(%d): %v", n, err)
		}
	}

	scanner, err := c.Scan(ctx, nil, nil, 2)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer scanner.Close()

	var keys []string
	for {
		batch, err := scanner.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, row := range batch {
			keys = append(keys, string(row.Key))
			// Both qualifiers must arrive in the same batch entry.
			if len(row.Columns) != 2 {
				t.Errorf("row %q has %d columns, want 2", row.Key, len(row.Columns))
			}
		}
	}

	if len(keys) != 5 {
		t.Fatalf("scanned %d rows, want 5", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("keys out of order: %q before %q", keys[i-1], keys[i])
		}
	}
}

func TestClient_ScanRangeBounds(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for n := 1; n <= 5; n++ {
		key := []byte(fmt.Sprintf("stream-1~%020d", n))
		if err := c.Put(ctx, key, map[string][]byte{"marker": []byte("A")}); err != nil {
			t.Fatalf("Put(%d): %v", n, err)
		}
	}

	start := []byte(fmt.Sprintf("stream-1~%020d", 2))
	stop := []byte(fmt.Sprintf("stream-1~%020d", 4)) // exclusive

	scanner, err := c.Scan(ctx, start, stop, 10)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer scanner.Close()

	var keys []string
	for {
		batch, err := scanner.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, row := range batch {
			keys = append(keys, string(row.Key))
		}
	}

	if len(keys) != 2 {
		t.Fatalf("scanned %d rows, want 2 (start inclusive, stop exclusive)", len(keys))
	}
}

func TestClient_Ping(t *testing.T) {
	c := newTestClient(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
