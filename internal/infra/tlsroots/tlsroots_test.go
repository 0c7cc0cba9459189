package tlsroots

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestCert writes a self-signed key pair with the given common name.
func writeTestCert(t *testing.T, certFile, keyFile, cn string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	serial, _ := rand.Int(rand.Reader, big.NewInt(1000000))
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}

	// Write the key first so a watcher never pairs a new cert with an old key.
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatalf("WriteFile(key) error = %v", err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		t.Fatalf("WriteFile(cert) error = %v", err)
	}
}

func commonName(t *testing.T, r *Reloader) string {
	t.Helper()
	cert, err := r.GetCertificate(nil)
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate() = %v, %v", cert, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	return leaf.Subject.CommonName
}

func TestLoadCAPool(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key")
	writeTestCert(t, certFile, keyFile, "tablesnap-ca")

	pool, err := LoadCAPool(certFile)
	if err != nil {
		t.Fatalf("LoadCAPool() error = %v", err)
	}
	if pool == nil {
		t.Fatal("LoadCAPool() returned nil pool")
	}

	if _, err := LoadCAPool(""); err != nil {
		t.Errorf("LoadCAPool(\"\") error = %v", err)
	}
	if _, err := LoadCAPool(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("LoadCAPool() accepted a missing file")
	}

	notPEM := filepath.Join(dir, "junk.pem")
	if err := os.WriteFile(notPEM, []byte("not a certificate"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadCAPool(notPEM); !errors.Is(err, ErrNoCertsFound) {
		t.Errorf("LoadCAPool() error = %v, want ErrNoCertsFound", err)
	}
}

func TestClientConfig(t *testing.T) {
	cfg, err := ClientConfig("", true)
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.RootCAs == nil {
		t.Errorf("ClientConfig() = %+v", cfg)
	}
}

func TestReloader(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	writeTestCert(t, certFile, keyFile, "first")

	var logs bytes.Buffer
	r, err := NewReloader(certFile, keyFile, slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatalf("NewReloader() error = %v", err)
	}
	defer r.Close()

	if cn := commonName(t, r); cn != "first" {
		t.Fatalf("CommonName = %q, want first", cn)
	}
	if r.ServerConfig().GetCertificate == nil {
		t.Fatal("ServerConfig() has no GetCertificate")
	}

	time.Sleep(100 * time.Millisecond)
	writeTestCert(t, certFile, keyFile, "second")

	deadline := time.Now().Add(3 * time.Second)
	for commonName(t, r) != "second" {
		if time.Now().After(deadline) {
			t.Fatal("certificate was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReloader_KeepsCertOnBadReload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	writeTestCert(t, certFile, keyFile, "good")

	r, err := NewReloader(certFile, keyFile, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewReloader() error = %v", err)
	}
	defer r.Close()

	if err := os.WriteFile(certFile, []byte("garbage"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("Reload() accepted a broken certificate")
	}
	if cn := commonName(t, r); cn != "good" {
		t.Errorf("CommonName = %q, want good", cn)
	}
}

func TestNewReloader_MissingFiles(t *testing.T) {
	if _, err := NewReloader("/nonexistent/tls.crt", "/nonexistent/tls.key", nil); err == nil {
		t.Error("NewReloader() accepted missing files")
	}
}
