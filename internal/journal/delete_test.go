package journal_test

import (
	"context"
	"testing"

	"github.com/jensholdgaard/streamjournal/internal/journal"
	"github.com/jensholdgaard/streamjournal/internal/kv"
	"github.com/jensholdgaard/streamjournal/internal/kv/memory"
	"github.com/jensholdgaard/streamjournal/internal/rowkey"
	"github.com/jensholdgaard/streamjournal/internal/telemetry"
)

func newDeleter(client *memory.Client) *journal.Deleter {
	tp := telemetry.NewNopProvider()
	return journal.NewDeleter(client, 2, tp.Logger, tp.TracerProvider)
}

func markerOf(t *testing.T, client *memory.Client, streamID string, seq uint64) string {
	t.Helper()
	cols, err := client.Get(context.Background(), rowkey.Encode(streamID, seq))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cols == nil {
		return ""
	}
	return string(cols[kv.QualifierMarker])
}

func TestSoftDelete_TombstonesRange(t *testing.T) {
	client := memory.New()
	for seq := uint64(1); seq <= 5; seq++ {
		seedEntry(t, client, "stream-1", seq, 'A', "x")
	}

	d := newDeleter(client)
	if err := d.SoftDelete(context.Background(), "stream-1", 3); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if m := markerOf(t, client, "stream-1", seq); m != "D" {
			t.Errorf("entry %d marker = %q, want %q", seq, m, "D")
		}
	}
	for seq := uint64(4); seq <= 5; seq++ {
		if m := markerOf(t, client, "stream-1", seq); m != "A" {
			t.Errorf("entry %d marker = %q, want %q", seq, m, "A")
		}
	}
}

func TestSoftDelete_PreservesPayload(t *testing.T) {
	client := memory.New()
	seedEntry(t, client, "stream-1", 1, 'A', "keep-me")

	d := newDeleter(client)
	if err := d.SoftDelete(context.Background(), "stream-1", 1); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	cols, err := client.Get(context.Background(), rowkey.Encode("stream-1", 1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(cols[kv.QualifierPayload]) != "keep-me" {
		t.Errorf("payload = %q, want %q (tombstone must only touch the marker)", cols[kv.QualifierPayload], "keep-me")
	}
}

func TestSoftDelete_LeavesSnapshotRowsAlone(t *testing.T) {
	client := memory.New()
	seedEntry(t, client, "stream-1", 1, 'A', "x")
	seedEntry(t, client, "stream-1", 2, 'S', "snap")

	d := newDeleter(client)
	if err := d.SoftDelete(context.Background(), "stream-1", 5); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	if m := markerOf(t, client, "stream-1", 2); m != "S" {
		t.Errorf("snapshot row marker = %q, want %q", m, "S")
	}
}

func TestHardDelete_RemovesRows(t *testing.T) {
	client := memory.New()
	for seq := uint64(1); seq <= 5; seq++ {
		seedEntry(t, client, "stream-1", seq, 'A', "x")
	}
	seedEntry(t, client, "stream-1", 2, 'D', "x") // already tombstoned

	d := newDeleter(client)
	if err := d.HardDelete(context.Background(), "stream-1", 3); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if m := markerOf(t, client, "stream-1", seq); m != "" {
			t.Errorf("entry %d still present with marker %q", seq, m)
		}
	}
	for seq := uint64(4); seq <= 5; seq++ {
		if m := markerOf(t, client, "stream-1", seq); m != "A" {
			t.Errorf("entry %d marker = %q, want %q", seq, m, "A")
		}
	}
}

func TestHardDelete_SparesSnapshotRows(t *testing.T) {
	client := memory.New()
	seedEntry(t, client, "stream-1", 1, 'A', "x")
	seedEntry(t, client, "stream-1", 2, 'S', "snap")

	d := newDeleter(client)
	if err := d.HardDelete(context.Background(), "stream-1", 5); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}

	if m := markerOf(t, client, "stream-1", 2); m != "S" {
		t.Errorf("snapshot row marker = %q, want %q", m, "S")
	}
}

func TestDelete_DoesNotTouchOtherStreams(t *testing.T) {
	client := memory.New()
	seedEntry(t, client, "p1", 1, 'A', "x")
	seedEntry(t, client, "p10", 1, 'A', "x")

	d := newDeleter(client)
	if err := d.HardDelete(context.Background(), "p1", 100); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}

	if m := markerOf(t, client, "p10", 1); m != "A" {
		t.Errorf("sibling stream row marker = %q, want %q", m, "A")
	}
}

func TestPurgeTombstones(t *testing.T) {
	client := memory.New()
	seedEntry(t, client, "stream-1", 1, 'D', "x")
	seedEntry(t, client, "stream-1", 2, 'A', "x")
	seedEntry(t, client, "stream-1", 3, 'D', "x")

	d := newDeleter(client)
	if err := d.PurgeTombstones(context.Background(), "stream-1", 2); err != nil {
		t.Fatalf("PurgeTombstones: %v", err)
	}

	if m := markerOf(t, client, "stream-1", 1); m != "" {
		t.Errorf("tombstone 1 still present with marker %q", m)
	}
	if m := markerOf(t, client, "stream-1", 2); m != "A" {
		t.Errorf("live entry marker = %q, want %q", m, "A")
	}
	// Above the ceiling, even tombstones survive.
	if m := markerOf(t, client, "stream-1", 3); m != "D" {
		t.Errorf("tombstone above ceiling marker = %q, want %q", m, "D")
	}
}

func TestDelete_NotifiesListeners(t *testing.T) {
	client := memory.New()
	seedEntry(t, client, "stream-1", 1, 'A', "x")

	d := newDeleter(client)
	var got []journal.Deletion
	d.AddListener(func(del journal.Deletion) { got = append(got, del) })

	if err := d.SoftDelete(context.Background(), "stream-1", 1); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := d.HardDelete(context.Background(), "stream-1", 1); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2", len(got))
	}
	if got[0].Permanent || !got[1].Permanent {
		t.Errorf("permanence flags = [%v, %v], want [false, true]", got[0].Permanent, got[1].Permanent)
	}
	for _, del := range got {
		if del.StreamID != "stream-1" || del.ToSequenceNr != 1 {
			t.Errorf("notification = %+v, want stream-1 up to 1", del)
		}
	}
}
