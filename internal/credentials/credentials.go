// Package credentials persists the controller credentials used for
// re-authentication. Stored credentials are JSON encrypted with the fernet
// keyring.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gluk-w/appmirror/internal/crypto"
	"github.com/gluk-w/appmirror/internal/database"
	"github.com/gluk-w/appmirror/internal/remote"
)

// ErrNoCredentials is returned when nothing has been stored yet.
var ErrNoCredentials = errors.New("no credentials stored")

const settingCredentials = "remote_credentials"

// DBStore keeps credentials in the settings table.
type DBStore struct {
	db      *database.Store
	keyring *crypto.Keyring
}

func NewDBStore(db *database.Store, keyring *crypto.Keyring) *DBStore {
	return &DBStore{db: db, keyring: keyring}
}

func (s *DBStore) Get(ctx context.Context) (remote.Credentials, error) {
	enc, err := s.db.GetSetting(settingCredentials)
	if errors.Is(err, database.ErrNotFound) {
		return remote.Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	plain, err := s.keyring.Decrypt(enc)
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds remote.Credentials
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return remote.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func (s *DBStore) Set(ctx context.Context, creds remote.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	enc, err := s.keyring.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	if err := s.db.SetSetting(settingCredentials, enc); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// MemoryStore keeps credentials in process. Used by the memory backend and
// tests.
type MemoryStore struct {
	mu    sync.Mutex
	creds *remote.Credentials
	gets  int
	sets  int
}

func NewMemoryStore(creds *remote.Credentials) *MemoryStore {
	return &MemoryStore{creds: creds}
}

func (m *MemoryStore) Get(ctx context.Context) (remote.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.creds == nil {
		return remote.Credentials{}, ErrNoCredentials
	}
	return *m.creds, nil
}

func (m *MemoryStore) Set(ctx context.Context, creds remote.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.creds = &creds
	return nil
}

// Counts returns how many times Get and Set were called.
func (m *MemoryStore) Counts() (gets, sets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.sets
}
