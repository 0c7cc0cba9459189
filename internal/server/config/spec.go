// Package config defines the server configuration structure.
package config

import "time"

// ServerConfig is the root configuration for tablesnap-server.
type ServerConfig struct {
	Server   ServerSection   `koanf:"server"`
	Storage  StorageSection  `koanf:"storage"`
	Save     SaveSection     `koanf:"save"`
	Security SecuritySection `koanf:"security"`
	Sim      SimSection      `koanf:"sim"`
	Log      LogSection      `koanf:"log"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP HTTPConfig `koanf:"http"`
}

// HTTPConfig configures the admin HTTP server.
type HTTPConfig struct {
	Addr        string `koanf:"addr"`
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`

	// AdminToken is the bearer token required on /admin routes. Empty
	// disables the token check.
	AdminToken string `koanf:"admin_token"`

	// AdminAllowList holds IPs and CIDRs allowed on /admin routes. Empty
	// means no restriction.
	AdminAllowList []string `koanf:"admin_allow_list"`

	// RateLimit is the per-client request rate. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	AccessLog bool `koanf:"access_log"`
}

// StorageSection configures where snapshots go.
type StorageSection struct {
	DataDir string `koanf:"data_dir"`

	// Sink is "file" or "badger".
	Sink string `koanf:"sink"`

	// FrameInterval is the period of the engine frame loop.
	FrameInterval time.Duration `koanf:"frame_interval"`

	SnapshotKeep    int `koanf:"snapshot_keep"`
	SnapshotMaxDays int `koanf:"snapshot_max_days"`

	BadgerGCInterval string `koanf:"badger_gc_interval"`
	BadgerSyncWrites bool   `koanf:"badger_sync_writes"`
}

// SaveSection configures snapshot collection.
//
// BatchSize and Logging are hot-reloadable.
type SaveSection struct {
	// BatchSize is the number of entities copied per frame. Zero or
	// less copies everything in one step.
	BatchSize int `koanf:"batch_size"`

	// Logging is "off", "simple" or "detailed".
	Logging string `koanf:"logging"`

	// Interval is the autosave period. Zero disables autosave.
	Interval time.Duration `koanf:"interval"`

	OnShutdown bool `koanf:"on_shutdown"`
}

// SecuritySection configures snapshot encryption.
type SecuritySection struct {
	EncryptionKey string `koanf:"encryption_key"`
	Passphrase    string `koanf:"passphrase"`
	Cipher        string `koanf:"cipher"`
}

// SimSection configures the built-in world simulator.
type SimSection struct {
	Enabled bool `koanf:"enabled"`

	// Entities is the population seeded on an empty table.
	Entities int `koanf:"entities"`

	// Rate is the mutation budget per second; Burst the bucket size.
	Rate  float64 `koanf:"rate"`
	Burst int     `koanf:"burst"`

	// Seed fixes the random source. Zero uses the clock.
	Seed int64 `koanf:"seed"`
}

// LogSection configures logging. Level is hot-reloadable.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
