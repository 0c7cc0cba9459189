package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/storage"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
	"github.com/yndnr/tablesnap-go/internal/telemetry/metric"
)

// ParseKey decodes security.encryption_key. Values prefixed with "hex:"
// or "base64:" are decoded; anything else is used as raw bytes.
func ParseKey(s string) ([]byte, error) {
	switch {
	case s == "":
		return nil, nil
	case strings.HasPrefix(s, "hex:"):
		b, err := hex.DecodeString(strings.TrimPrefix(s, "hex:"))
		if err != nil {
			return nil, fmt.Errorf("decode hex key: %w", err)
		}
		return b, nil
	case strings.HasPrefix(s, "base64:"):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("decode base64 key: %w", err)
		}
		return b, nil
	default:
		return []byte(s), nil
	}
}

// Encryption returns the snapshot encryption settings. A key that fails
// to decode is returned raw so ValidateConfig still sees its length.
func (s *SecuritySection) Encryption() snapshot.EncryptionConfig {
	key, err := ParseKey(s.EncryptionKey)
	if err != nil {
		key = []byte(s.EncryptionKey)
	}
	cfg := snapshot.EncryptionConfig{
		Key:       key,
		Algorithm: s.Cipher,
	}
	if s.Passphrase != "" {
		cfg.Passphrase = []byte(s.Passphrase)
	}
	return cfg
}

// StorageConfig builds the storage engine configuration.
func StorageConfig(cfg *ServerConfig, logger *slog.Logger, metrics *metric.Registry) (storage.Config, error) {
	verbosity, err := coordinator.ParseVerbosity(cfg.Save.Logging)
	if err != nil {
		return storage.Config{}, fmt.Errorf("save.logging: %w", err)
	}
	if _, err := ParseKey(cfg.Security.EncryptionKey); err != nil {
		return storage.Config{}, fmt.Errorf("security.encryption_key: %w", err)
	}

	sc := storage.DefaultConfig(cfg.Storage.DataDir)
	sc.Sink = cfg.Storage.Sink
	sc.FrameInterval = cfg.Storage.FrameInterval
	sc.SaveInterval = cfg.Save.Interval
	sc.SaveOnShutdown = cfg.Save.OnShutdown
	sc.BatchSize = cfg.Save.BatchSize
	sc.Verbosity = verbosity

	sc.Snapshot.RetentionCount = cfg.Storage.SnapshotKeep
	sc.Snapshot.RetentionDays = cfg.Storage.SnapshotMaxDays
	sc.Snapshot.Encryption = cfg.Security.Encryption()

	if cfg.Storage.BadgerGCInterval != "" {
		sc.Badger.GCInterval = cfg.Storage.BadgerGCInterval
	}
	sc.Badger.SyncWrites = cfg.Storage.BadgerSyncWrites

	sc.Logger = logger
	sc.Metrics = metrics
	return sc, nil
}
