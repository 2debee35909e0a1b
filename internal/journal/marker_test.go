package journal_test

import (
	"testing"

	"github.com/jensholdgaard/streamjournal/internal/journal"
)

func TestParseMarker(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		want    journal.Marker
		wantErr bool
	}{
		{name: "normal", raw: []byte("A"), want: journal.MarkerNormal},
		{name: "deleted", raw: []byte("D"), want: journal.MarkerDeleted},
		{name: "snapshot", raw: []byte("S"), want: journal.MarkerSnapshot},
		{name: "missing", raw: nil, wantErr: true},
		{name: "unknown", raw: []byte("Z"), wantErr: true},
		{name: "too long", raw: []byte("AD"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := journal.ParseMarker(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMarker(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseMarker(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
