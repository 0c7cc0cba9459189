// Package tlsroots loads TLS material for the admin API: a hot-reloaded
// server key pair and the CA pool the CLI trusts.
package tlsroots

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/yndnr/tablesnap-go/internal/infra/confloader"
)

// ErrNoCertsFound is returned when no certificates are found in a PEM file.
var ErrNoCertsFound = errors.New("tlsroots: no certificates found in PEM file")

// LoadCAPool returns the system pool extended with the certificates in
// caFile. An empty caFile returns the system pool alone.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if caFile == "" {
		return pool, nil
	}

	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsroots: read ca file: %w", err)
	}
	added := 0
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("tlsroots: parse certificate: %w", err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return nil, ErrNoCertsFound
	}
	return pool, nil
}

// ClientConfig returns a client TLS config trusting caFile.
func ClientConfig(caFile string, insecure bool) (*tls.Config, error) {
	pool, err := LoadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:            pool,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in for self-signed dev setups
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// Reloader serves a certificate that is reloaded whenever its files
// change. A failed reload keeps the previous certificate.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *confloader.Watcher
}

// NewReloader loads the key pair and starts watching both files.
func NewReloader(certFile, keyFile string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{certFile: certFile, keyFile: keyFile, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, fmt.Errorf("tlsroots: initial load: %w", err)
	}

	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("tlsroots: create watcher: %w", err)
	}
	for _, f := range []string{certFile, keyFile} {
		if err := w.Watch(f); err != nil {
			w.Stop()
			return nil, fmt.Errorf("tlsroots: watch %s: %w", f, err)
		}
	}
	w.OnChange(func(string) {
		if err := r.Reload(); err != nil {
			r.logger.Error("certificate reload failed", "cert_file", r.certFile, "error", err)
		}
	})
	w.StartAsync()
	r.watcher = w
	return r, nil
}

// Reload reads the key pair from disk.
func (r *Reloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	r.logger.Info("certificate loaded", "cert_file", r.certFile)
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// ServerConfig returns a server TLS config backed by the reloader.
func (r *Reloader) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Close stops watching the files.
func (r *Reloader) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Stop()
}
