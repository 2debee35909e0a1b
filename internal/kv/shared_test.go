package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jensholdgaard/streamjournal/internal/kv"
	"github.com/jensholdgaard/streamjournal/internal/kv/memory"
)

func TestShared_RefCounting(t *testing.T) {
	ctx := context.Background()
	underlying := memory.New()
	shared := kv.NewShared(underlying)

	// Two holders: the original reference plus one acquired.
	handle := shared.Acquire()

	if err := shared.Put(ctx, []byte("k"), map[string][]byte{"q": []byte("v")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Releasing one reference must not close the underlying client.
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := shared.Ping(ctx); err != nil {
		t.Fatalf("Ping after one release: %v", err)
	}
	cols, err := shared.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get after one release: %v", err)
	}
	if string(cols["q"]) != "v" {
		t.Errorf("got %q, want %q", cols["q"], "v")
	}

	// Releasing the last reference closes the client.
	if err := shared.Release(); err != nil {
		t.Fatalf("final Release: %v", err)
	}
	if err := shared.Ping(ctx); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Ping after final release: error = %v, want ErrClosed", err)
	}
	if err := underlying.Ping(ctx); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("underlying client not closed: error = %v, want ErrClosed", err)
	}

	// Extra releases are no-ops.
	if err := shared.Release(); err != nil {
		t.Errorf("Release after closed: error = %v, want nil", err)
	}
}

func TestShared_OperationsAfterCloseFail(t *testing.T) {
	ctx := context.Background()
	shared := kv.NewShared(memory.New())
	if err := shared.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := shared.Put(ctx, []byte("k"), nil); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Put: error = %v, want ErrClosed", err)
	}
	if _, err := shared.Get(ctx, []byte("k")); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Get: error = %v, want ErrClosed", err)
	}
	if err := shared.Delete(ctx, []byte("k")); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Delete: error = %v, want ErrClosed", err)
	}
	if _, err := shared.Scan(ctx, nil, nil, 10); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Scan: error = %v, want ErrClosed", err)
	}
	if err := shared.Flush(ctx); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Flush: error = %v, want ErrClosed", err)
	}
}
