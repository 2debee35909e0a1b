package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jensholdgaard/streamjournal/internal/config"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "valid full config",
			yaml: `
store:
  host: "db.example.com"
  port: 5433
  user: "journald"
  password: "secret"
  dbname: "journal"
  sslmode: "require"
  driver: "postgres"
  journal_table: "events"
  snapshot_table: "states"
journal:
  write_buffer_size: 128
  flush_interval: 25ms
snapshot:
  backend: "filesystem"
  dir: "/var/lib/journald/snapshots"
  load_attempts: 5
server:
  port: 9090
telemetry:
  service_name: "my-journal"
  otlp_endpoint: "localhost:4318"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Store.Port != 5433 {
					t.Errorf("got store port %d, want %d", cfg.Store.Port, 5433)
				}
				if cfg.Store.JournalTable != "events" {
					t.Errorf("got journal table %q, want %q", cfg.Store.JournalTable, "events")
				}
				if cfg.Journal.WriteBufferSize != 128 {
					t.Errorf("got write buffer size %d, want %d", cfg.Journal.WriteBufferSize, 128)
				}
				if cfg.Journal.FlushInterval != 25*time.Millisecond {
					t.Errorf("got flush interval %v, want %v", cfg.Journal.FlushInterval, 25*time.Millisecond)
				}
				if cfg.Snapshot.Backend != "filesystem" {
					t.Errorf("got snapshot backend %q, want %q", cfg.Snapshot.Backend, "filesystem")
				}
				if cfg.Snapshot.LoadAttempts != 5 {
					t.Errorf("got load attempts %d, want %d", cfg.Snapshot.LoadAttempts, 5)
				}
				if cfg.Server.Port != 9090 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 9090)
				}
				if cfg.Telemetry.ServiceName != "my-journal" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "my-journal")
				}
			},
		},
		{
			name:    "defaults applied",
			yaml:    `{}`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Store.Host != "localhost" {
					t.Errorf("got store host %q, want %q", cfg.Store.Host, "localhost")
				}
				if cfg.Store.Driver != "postgres" {
					t.Errorf("got driver %q, want %q", cfg.Store.Driver, "postgres")
				}
				if cfg.Store.JournalTable != "journal" {
					t.Errorf("got journal table %q, want %q", cfg.Store.JournalTable, "journal")
				}
				if cfg.Snapshot.Backend != "sorted-store" {
					t.Errorf("got snapshot backend %q, want %q", cfg.Snapshot.Backend, "sorted-store")
				}
				if cfg.Journal.WriteBufferSize != 64 {
					t.Errorf("got write buffer size %d, want %d", cfg.Journal.WriteBufferSize, 64)
				}
				if cfg.Server.Port != 8080 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 8080)
				}
				if cfg.Telemetry.ServiceName != "journald" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "journald")
				}
			},
		},
		{
			name:    "invalid yaml",
			yaml:    `{{{invalid`,
			wantErr: true,
		},
		{
			name: "memory driver accepted",
			yaml: `
store:
  driver: "memory"
`,
			wantErr: false,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Store.Driver != "memory" {
					t.Errorf("got driver %q, want %q", cfg.Store.Driver, "memory")
				}
			},
		},
		{
			name: "invalid driver rejected",
			yaml: `
store:
  driver: "hbase"
`,
			wantErr: true,
		},
		{
			name: "invalid snapshot backend rejected",
			yaml: `
snapshot:
  backend: "s3"
`,
			wantErr: true,
		},
		{
			name: "filesystem backend without dir rejected",
			yaml: `
snapshot:
  backend: "filesystem"
  dir: ""
`,
			wantErr: true,
		},
		{
			name: "zero write buffer rejected",
			yaml: `
journal:
  write_buffer_size: 0
`,
			wantErr: true,
		},
		{
			name: "retention without kept snapshots rejected",
			yaml: `
retention:
  enabled: true
  keep_snapshots: 0
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := config.Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && cfg != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestStoreConfig_DSN(t *testing.T) {
	cfg := config.StoreConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "user",
		Password: "pass",
		DBName:   "testdb",
		SSLMode:  "disable",
	}
	want := "host=localhost port=5432 user=user password=pass dbname=testdb sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
