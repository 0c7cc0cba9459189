package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/pkg/crypto/adaptive"
)

var magicBytes = []byte("TSNAPSHT")

const (
	filePrefix    = "snapshot-"
	fileExtension = ".snap"
	checksumSize  = 32
	headerVersion = 1

	DefaultRetentionCount = 5
	DefaultRetentionDays  = 7
)

type fileHeader struct {
	Version        int               `json:"version"`
	Generation     uint64            `json:"generation"`
	CreatedAt      int64             `json:"created_at"`
	EntityCount    int               `json:"entity_count"`
	AttributeCount int               `json:"attribute_count"`
	Meta           map[string]string `json:"meta,omitempty"`
	Stats          domain.SaveStats  `json:"stats"`
	Encrypted      bool              `json:"encrypted"`
	Cipher         string            `json:"cipher,omitempty"`
	Salt           []byte            `json:"salt,omitempty"`
}

type filePayload struct {
	Entities   []*domain.Entity                       `json:"entities"`
	Attributes map[domain.EntityID]*domain.Attributes `json:"attributes,omitempty"`
}

var (
	ErrInvalidMagic     = errors.New("snapshot: invalid magic bytes")
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	ErrNoSnapshots      = errors.New("snapshot: no snapshots available")

	// ErrNotFound is returned for unknown snapshot ids.
	ErrNotFound = domain.ErrSnapshotNotFound
)

// Config configures the snapshot manager.
type Config struct {
	Dir string

	// RetentionCount keeps the newest N snapshots. RetentionDays keeps
	// everything younger than N days. The newest is always kept.
	RetentionCount int
	RetentionDays  int

	Encryption EncryptionConfig
}

// DefaultConfig returns a plain-text configuration with default retention.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		RetentionCount: DefaultRetentionCount,
		RetentionDays:  DefaultRetentionDays,
	}
}

// Manager writes and reads snapshot files in a directory.
// It is safe for concurrent use.
type Manager struct {
	cfg Config

	// cipher and salt seal every file this manager writes.
	cipher adaptive.Cipher
	salt   []byte

	mu      sync.Mutex
	ciphers map[string]adaptive.Cipher // read ciphers by algorithm+salt
}

// NewManager creates the directory if needed and prepares the write cipher.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	if cfg.RetentionCount == 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}

	c, salt, err := NewCipherFromConfig(cfg.Encryption)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		cipher:  c,
		salt:    salt,
		ciphers: make(map[string]adaptive.Cipher),
	}
	if c != nil {
		m.ciphers[cipherKey(string(c.Type()), salt)] = c
	}
	return m, nil
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string { return m.cfg.Dir }

// Encrypted reports whether new snapshots are encrypted.
func (m *Manager) Encrypted() bool { return m.cipher != nil }

// Info describes a snapshot file.
type Info struct {
	ID             string            `json:"id"`
	Path           string            `json:"path"`
	Size           int64             `json:"size"`
	Checksum       string            `json:"checksum,omitempty"`
	Generation     uint64            `json:"generation"`
	CreatedAt      int64             `json:"created_at"`
	EntityCount    int               `json:"entity_count"`
	AttributeCount int               `json:"attribute_count"`
	Meta           map[string]string `json:"meta,omitempty"`
	Stats          domain.SaveStats  `json:"stats"`
	Encrypted      bool              `json:"encrypted"`
	Cipher         string            `json:"cipher,omitempty"`
}

func (info *Info) applyHeader(hdr *fileHeader) {
	info.Generation = hdr.Generation
	info.CreatedAt = hdr.CreatedAt
	info.EntityCount = hdr.EntityCount
	info.AttributeCount = hdr.AttributeCount
	info.Meta = hdr.Meta
	info.Stats = hdr.Stats
	info.Encrypted = hdr.Encrypted
	info.Cipher = hdr.Cipher
}

// Create writes snap to a new snapshot file.
//
// The file is written to a temporary name, synced, and renamed, so a
// crash never leaves a partial snapshot under a valid name.
func (m *Manager) Create(snap *domain.Snapshot) (*Info, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot: nil snapshot")
	}
	id := filePrefix + strings.ToLower(ulid.Make().String())

	hdr := fileHeader{
		Version:        headerVersion,
		Generation:     snap.Generation,
		CreatedAt:      snap.CreatedAt,
		EntityCount:    len(snap.Entities),
		AttributeCount: len(snap.Attributes),
		Meta:           snap.Meta,
		Stats:          snap.Stats,
		Encrypted:      m.cipher != nil,
	}
	if hdr.CreatedAt == 0 {
		hdr.CreatedAt = time.Now().UnixMilli()
	}
	if m.cipher != nil {
		hdr.Cipher = string(m.cipher.Type())
		hdr.Salt = m.salt
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal header: %w", err)
	}

	data, err := json.Marshal(filePayload{Entities: snap.Entities, Attributes: snap.Attributes})
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal entities: %w", err)
	}
	if m.cipher != nil {
		// The header is bound as additional data so it cannot be swapped.
		data, err = m.cipher.Encrypt(data, hdrJSON)
		if err != nil {
			return nil, fmt.Errorf("snapshot: encrypt: %w", err)
		}
	}
	if len(data) > math.MaxUint32 {
		return nil, fmt.Errorf("snapshot: payload too large: %d bytes", len(data))
	}

	tempPath := filepath.Join(m.cfg.Dir, id+".tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	defer os.Remove(tempPath)

	hash := sha256.New()
	bw := bufio.NewWriter(io.MultiWriter(file, hash))
	if err := writeFrames(bw, hdrJSON, data); err != nil {
		file.Close()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: flush: %w", err)
	}

	// Checksum trailer, not included in the hash.
	sum := hash.Sum(nil)
	if _, err := file.Write(sum); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: write checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: close: %w", err)
	}

	stat, err := os.Stat(tempPath)
	if err != nil {
		return nil, err
	}
	finalPath := filepath.Join(m.cfg.Dir, id+fileExtension)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return nil, fmt.Errorf("snapshot: rename: %w", err)
	}

	info := &Info{
		ID:       id,
		Path:     finalPath,
		Size:     stat.Size(),
		Checksum: hex.EncodeToString(sum),
	}
	info.applyHeader(&hdr)
	return info, nil
}

func writeFrames(w io.Writer, hdrJSON, data []byte) error {
	if _, err := w.Write(magicBytes); err != nil {
		return fmt.Errorf("snapshot: write magic: %w", err)
	}
	for _, frame := range [][]byte{hdrJSON, data} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(frame)))
		if _, err := w.Write(n[:]); err != nil {
			return fmt.Errorf("snapshot: write frame length: %w", err)
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("snapshot: write frame: %w", err)
		}
	}
	return nil
}

// Load loads the latest valid snapshot.
// If the latest snapshot is corrupted, it falls back to older snapshots.
func (m *Manager) Load() (*domain.Snapshot, *Info, error) {
	snapshots, err := m.List()
	if err != nil {
		return nil, nil, err
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		snap, info, err := m.readFile(snapshots[i].Path, true)
		if err == nil {
			return snap, info, nil
		}
		if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrInvalidMagic) {
			continue
		}
		return nil, nil, err
	}

	return nil, nil, ErrNoSnapshots
}

// LoadID loads one snapshot by id.
func (m *Manager) LoadID(id string) (*domain.Snapshot, *Info, error) {
	path, err := m.pathOf(id)
	if err != nil {
		return nil, nil, err
	}
	return m.readFile(path, true)
}

// Inspect verifies the checksum of a snapshot and returns its header
// without decrypting the payload.
func (m *Manager) Inspect(id string) (*Info, error) {
	path, err := m.pathOf(id)
	if err != nil {
		return nil, err
	}
	_, info, err := m.readFile(path, false)
	return info, err
}

// Verify fully decodes a snapshot, decrypting it when needed.
func (m *Manager) Verify(id string) (*Info, error) {
	_, info, err := m.LoadID(id)
	return info, err
}

func (m *Manager) pathOf(id string) (string, error) {
	id = strings.TrimSuffix(filepath.Base(id), fileExtension)
	if !strings.HasPrefix(id, filePrefix) {
		id = filePrefix + id
	}
	path := filepath.Join(m.cfg.Dir, id+fileExtension)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound.WithDetails(id)
		}
		return "", err
	}
	return path, nil
}

func (m *Manager) readFile(path string, decode bool) (*domain.Snapshot, *Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if stat.Size() < int64(len(magicBytes))+checksumSize {
		return nil, nil, ErrChecksumMismatch
	}

	dataLen := stat.Size() - checksumSize
	expected := make([]byte, checksumSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, dataLen, checksumSize), expected); err != nil {
		return nil, nil, err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, io.NewSectionReader(f, 0, dataLen), dataLen); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(h.Sum(nil), expected) {
		return nil, nil, ErrChecksumMismatch
	}

	br := bufio.NewReader(io.NewSectionReader(f, 0, dataLen))
	hdr, hdrJSON, err := readHeader(br)
	if err != nil {
		return nil, nil, err
	}

	info := &Info{
		ID:       strings.TrimSuffix(filepath.Base(path), fileExtension),
		Path:     path,
		Size:     stat.Size(),
		Checksum: hex.EncodeToString(expected),
	}
	info.applyHeader(hdr)
	if !decode {
		return nil, info, nil
	}

	data, err := readFrame(br)
	if err != nil {
		return nil, nil, err
	}
	if hdr.Encrypted {
		c, err := m.readCipher(hdr)
		if err != nil {
			return nil, nil, err
		}
		plain, err := c.Decrypt(data, hdrJSON)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		data = plain
	}

	var payload filePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, fmt.Errorf("snapshot: unmarshal entities: %w", err)
	}
	if len(payload.Entities) != hdr.EntityCount {
		return nil, nil, domain.ErrSnapshotCorrupted.WithDetails(
			fmt.Sprintf("header promises %d entities, payload holds %d", hdr.EntityCount, len(payload.Entities)))
	}

	snap := &domain.Snapshot{
		Generation: hdr.Generation,
		CreatedAt:  hdr.CreatedAt,
		Entities:   payload.Entities,
		Attributes: payload.Attributes,
		Meta:       hdr.Meta,
		Stats:      hdr.Stats,
	}
	return snap, info, nil
}

func readHeader(r io.Reader) (*fileHeader, []byte, error) {
	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(magic, magicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	hdrJSON, err := readFrame(r)
	if err != nil {
		return nil, nil, err
	}
	if len(hdrJSON) == 0 {
		return nil, nil, fmt.Errorf("snapshot: empty header")
	}
	var hdr fileHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, nil, fmt.Errorf("snapshot: unmarshal header: %w", err)
	}
	if hdr.Version != headerVersion {
		return nil, nil, fmt.Errorf("snapshot: unsupported header version %d", hdr.Version)
	}
	return &hdr, hdrJSON, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readCipher returns the cipher that sealed a file, deriving it from the
// configured key material and the salt stored in the header.
func (m *Manager) readCipher(hdr *fileHeader) (adaptive.Cipher, error) {
	if !m.cfg.Encryption.Enabled() {
		return nil, ErrKeyRequired
	}
	k := cipherKey(hdr.Cipher, hdr.Salt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.ciphers[k]; ok {
		return c, nil
	}
	cfg := m.cfg.Encryption
	cfg.Algorithm = hdr.Cipher
	cfg.Salt = hdr.Salt
	c, _, err := NewCipherFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	m.ciphers[k] = c
	return c, nil
}

func cipherKey(algo string, salt []byte) string {
	return algo + "/" + hex.EncodeToString(salt)
}

// List lists snapshot files, oldest first. Header fields are filled in
// when the header is readable; checksums are not verified.
func (m *Manager) List() ([]*Info, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExtension) {
			paths = append(paths, filepath.Join(m.cfg.Dir, name))
		}
	}
	// ULID ids sort by creation time.
	slices.Sort(paths)

	infos := make([]*Info, 0, len(paths))
	for _, p := range paths {
		stat, err := os.Stat(p)
		if err != nil {
			continue
		}
		info := &Info{
			ID:   strings.TrimSuffix(filepath.Base(p), fileExtension),
			Path: p,
			Size: stat.Size(),
		}
		if hdr, err := peekHeader(p); err == nil {
			info.applyHeader(hdr)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func peekHeader(path string) (*fileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hdr, _, err := readHeader(bufio.NewReader(f))
	return hdr, err
}

// Prune applies the retention policy and returns the number of
// deleted snapshots.
func (m *Manager) Prune() (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(infos) <= 1 {
		return 0, nil
	}

	keep := make(map[string]struct{}, len(infos))

	if m.cfg.RetentionCount > 0 {
		start := max(len(infos)-m.cfg.RetentionCount, 0)
		for _, info := range infos[start:] {
			keep[info.Path] = struct{}{}
		}
	}

	if m.cfg.RetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(m.cfg.RetentionDays) * 24 * time.Hour)
		for _, info := range infos {
			st, err := os.Stat(info.Path)
			if err != nil {
				continue
			}
			if st.ModTime().After(cutoff) {
				keep[info.Path] = struct{}{}
			}
		}
	}

	// Always keep at least the newest.
	keep[infos[len(infos)-1].Path] = struct{}{}

	removed := 0
	for _, info := range infos {
		if _, ok := keep[info.Path]; ok {
			continue
		}
		if err := os.Remove(info.Path); err == nil {
			removed++
		}
	}
	return removed, nil
}
