package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/storage"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
	"github.com/yndnr/tablesnap-go/internal/telemetry/logger"
	"github.com/yndnr/tablesnap-go/pkg/crypto/adaptive"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifySave(&cfg.Save); err != nil {
		return err
	}
	if err := verifySecurity(&cfg.Security); err != nil {
		return err
	}
	if err := verifySim(&cfg.Sim); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func verifyServer(cfg *ServerSection) error {
	if cfg.HTTP.Addr == "" {
		return errors.New("server.http.addr is required")
	}
	if (cfg.HTTP.TLSCertFile == "") != (cfg.HTTP.TLSKeyFile == "") {
		return errors.New("server.http.tls_cert_file and tls_key_file must be set together")
	}
	for _, f := range []string{cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("tls file: %w", err)
		}
	}
	if cfg.HTTP.RateLimit < 0 {
		return errors.New("server.http.rate_limit must not be negative")
	}
	if cfg.HTTP.RateLimit > 0 && cfg.HTTP.RateBurst < 1 {
		return errors.New("server.http.rate_burst must be at least 1")
	}
	for _, entry := range cfg.HTTP.AdminAllowList {
		if !validAllowEntry(entry) {
			return fmt.Errorf("server.http.admin_allow_list: invalid entry %q", entry)
		}
	}
	return nil
}

func validAllowEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	// Check if data directory exists or can be created
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}

	switch cfg.Sink {
	case storage.SinkFile, storage.SinkBadger:
	default:
		return fmt.Errorf("storage.sink must be %q or %q, got %q", storage.SinkFile, storage.SinkBadger, cfg.Sink)
	}

	if cfg.SnapshotKeep < 1 {
		return errors.New("storage.snapshot_keep must be at least 1")
	}
	if cfg.FrameInterval < 0 {
		return errors.New("storage.frame_interval must not be negative")
	}
	if cfg.BadgerGCInterval != "" {
		if _, err := time.ParseDuration(cfg.BadgerGCInterval); err != nil {
			return fmt.Errorf("storage.badger_gc_interval: %w", err)
		}
	}
	return nil
}

func verifySave(cfg *SaveSection) error {
	if _, err := coordinator.ParseVerbosity(cfg.Logging); err != nil {
		return fmt.Errorf("save.logging: %w", err)
	}
	if cfg.Interval < 0 {
		return errors.New("save.interval must not be negative")
	}
	return nil
}

func verifySecurity(cfg *SecuritySection) error {
	if cfg.EncryptionKey != "" && cfg.Passphrase != "" {
		return errors.New("security.encryption_key and security.passphrase are mutually exclusive")
	}
	if cfg.Cipher != "" {
		if _, err := adaptive.ParseCipherType(cfg.Cipher); err != nil {
			return fmt.Errorf("security.cipher: %w", err)
		}
	}
	return snapshot.ValidateConfig(cfg.Encryption())
}

func verifySim(cfg *SimSection) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Entities < 0 {
		return errors.New("sim.entities must not be negative")
	}
	if cfg.Rate <= 0 || cfg.Burst < 1 {
		return errors.New("sim.rate must be positive and sim.burst at least 1")
	}
	return nil
}
