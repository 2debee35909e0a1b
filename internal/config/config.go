package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Store          StoreConfig          `yaml:"store"`
	Journal        JournalConfig        `yaml:"journal"`
	Snapshot       SnapshotConfig       `yaml:"snapshot"`
	Retention      RetentionConfig      `yaml:"retention"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// StoreConfig holds sorted key-value store connection settings.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"

	// JournalTable and SnapshotTable name the row tables the journal and
	// the sorted-store snapshot backend live in.
	JournalTable  string `yaml:"journal_table"`
	SnapshotTable string `yaml:"snapshot_table"`
}

// DSN returns the Postgres connection string.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// JournalConfig holds write-path and scan settings.
type JournalConfig struct {
	// WriteBufferSize is the number of appends buffered before the writer
	// submits a batch on its own.
	WriteBufferSize int `yaml:"write_buffer_size"`
	// FlushInterval bounds how long a buffered append waits before being
	// submitted even when the buffer is not full.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// ScanBatchSize is the number of rows fetched per scan round-trip.
	ScanBatchSize int `yaml:"scan_batch_size"`
}

// SnapshotConfig holds snapshot store settings.
type SnapshotConfig struct {
	Backend string `yaml:"backend"` // "sorted-store" or "filesystem"
	// Dir is the snapshot directory for the filesystem backend.
	Dir string `yaml:"dir"`
	// LoadAttempts is how many of the newest snapshot candidates the
	// filesystem backend tries to decode before reporting no snapshot.
	LoadAttempts int `yaml:"load_attempts"`
	// MaxConcurrentIO bounds the worker pool that performs synchronous
	// filesystem I/O.
	MaxConcurrentIO int `yaml:"max_concurrent_io"`
	// ScanBatchSize is the number of rows fetched per scan round-trip by
	// the sorted-store backend.
	ScanBatchSize int `yaml:"scan_batch_size"`
}

// RetentionConfig holds pruner settings.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is how often the pruner runs.
	Interval time.Duration `yaml:"interval"`
	// KeepSnapshots is the number of newest snapshots retained per stream.
	KeepSnapshots int `yaml:"keep_snapshots"`
	// PurgeTombstones removes soft-deleted journal rows at or below the
	// newest retained snapshot.
	PurgeTombstones bool `yaml:"purge_tombstones"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Store: StoreConfig{
			Host:          "localhost",
			Port:          5432,
			SSLMode:       "disable",
			Driver:        "postgres",
			JournalTable:  "journal",
			SnapshotTable: "snapshots",
		},
		Journal: JournalConfig{
			WriteBufferSize: 64,
			FlushInterval:   50 * time.Millisecond,
			ScanBatchSize:   256,
		},
		Snapshot: SnapshotConfig{
			Backend:         "sorted-store",
			Dir:             "snapshots",
			LoadAttempts:    3,
			MaxConcurrentIO: 4,
			ScanBatchSize:   64,
		},
		Retention: RetentionConfig{
			Enabled:       false,
			Interval:      time.Hour,
			KeepSnapshots: 3,
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "journald",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "journald-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported store driver %q: must be \"postgres\" or \"memory\"", c.Store.Driver)
	}
	switch c.Snapshot.Backend {
	case "sorted-store", "filesystem":
		// valid
	default:
		return fmt.Errorf("unsupported snapshot backend %q: must be \"sorted-store\" or \"filesystem\"", c.Snapshot.Backend)
	}
	if c.Snapshot.Backend == "filesystem" && c.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot dir must be set for the filesystem backend")
	}
	if c.Journal.WriteBufferSize < 1 {
		return fmt.Errorf("journal write_buffer_size must be at least 1")
	}
	if c.Snapshot.LoadAttempts < 1 {
		return fmt.Errorf("snapshot load_attempts must be at least 1")
	}
	if c.Retention.Enabled && c.Retention.KeepSnapshots < 1 {
		return fmt.Errorf("retention keep_snapshots must be at least 1")
	}
	return nil
}
