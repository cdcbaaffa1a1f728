// Package storage is the optional persistence adapter for a long-running
// seed/service process. The protocol core (seed, device, service) is a set
// of pure in-memory value types that require no storage of their own; this
// package lets a host process snapshot that state across restarts without
// the core ever importing it.
package storage

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// SeedRecord is the CBOR-encoded at-rest form of a device's Seed state:
// the ordered shared-secret list. Ephemeral negotiation state is never
// persisted — an in-flight ceremony is simply abandoned on restart, with no
// cleanup side effects to reverse.
type SeedRecord struct {
	Seeds [][]byte `cbor:"seeds"`
}

// CredRecord mirrors service.CredRecord for at-rest encoding.
type CredRecord struct {
	CredPub []byte `cbor:"cred_pub"` // canonical JSON of the public JWK
	OVK     []byte `cbor:"ovk"`      // canonical JSON of the bound OVK public JWK
}

// OVKMRecord mirrors service.OVKM for at-rest encoding.
type OVKMRecord struct {
	OVKPub []byte `cbor:"ovk_pub"`
	R      []byte `cbor:"r"`
	MAC    []byte `cbor:"mac"`
}

// ServiceRecord is the CBOR-encoded at-rest form of one user's CredManager
// plus its pending challenge stack.
type ServiceRecord struct {
	Username   string       `cbor:"username"`
	Creds      []CredRecord `cbor:"creds"`
	OVKM       OVKMRecord   `cbor:"ovkm"`
	Challenges [][]byte     `cbor:"challenges"`
}

// Store is the persistence interface the demo CLI uses to snapshot and
// restore Seed/Service state. Implementations must treat a save failure as
// non-fatal to the caller's protocol operation — the core never depends on
// persistence succeeding.
type Store interface {
	SaveSeed(deviceID string, rec SeedRecord) error
	LoadSeed(deviceID string) (SeedRecord, bool, error)
	SaveService(rec ServiceRecord) error
	LoadService(username string) (ServiceRecord, bool, error)
}

// SQLiteStore is a Store backed by modernc.org/sqlite (pure Go, no cgo —
// the same choice vault-manager/storage/sqlite.go makes for enclave
// portability), storing one CBOR blob per record. Schema is initialized on
// open; access is guarded by a single sync.RWMutex, matching
// vault-manager/storage/sqlite.go's SQLiteStorage.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) a SQLite database at path and
// initializes its schema. Pass ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: set pragma %q: %w", p, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS seeds (
		device_id TEXT PRIMARY KEY,
		blob      BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS service_users (
		username TEXT PRIMARY KEY,
		blob     BLOB NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveSeed upserts the CBOR encoding of rec under deviceID.
func (s *SQLiteStore) SaveSeed(deviceID string, rec SeedRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal seed record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO seeds (device_id, blob) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET blob = excluded.blob
	`, deviceID, blob)
	if err != nil {
		return fmt.Errorf("storage: save seed: %w", err)
	}
	return nil
}

// LoadSeed returns the stored seed record for deviceID, if any.
func (s *SQLiteStore) LoadSeed(deviceID string) (SeedRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM seeds WHERE device_id = ?`, deviceID).Scan(&blob)
	if err == sql.ErrNoRows {
		return SeedRecord{}, false, nil
	}
	if err != nil {
		return SeedRecord{}, false, fmt.Errorf("storage: load seed: %w", err)
	}

	var rec SeedRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return SeedRecord{}, false, fmt.Errorf("storage: unmarshal seed record: %w", err)
	}
	return rec, true, nil
}

// SaveService upserts the CBOR encoding of rec under its username.
func (s *SQLiteStore) SaveService(rec ServiceRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal service record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO service_users (username, blob) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET blob = excluded.blob
	`, rec.Username, blob)
	if err != nil {
		return fmt.Errorf("storage: save service record: %w", err)
	}
	return nil
}

// LoadService returns the stored per-user record for username, if any.
func (s *SQLiteStore) LoadService(username string) (ServiceRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM service_users WHERE username = ?`, username).Scan(&blob)
	if err == sql.ErrNoRows {
		return ServiceRecord{}, false, nil
	}
	if err != nil {
		return ServiceRecord{}, false, fmt.Errorf("storage: load service record: %w", err)
	}

	var rec ServiceRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return ServiceRecord{}, false, fmt.Errorf("storage: unmarshal service record: %w", err)
	}
	return rec, true, nil
}
