package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

const settingFernetKey = "fernet_key"

// SettingStore persists the fernet key. database.Store satisfies it.
type SettingStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Keyring encrypts secrets at rest with a fernet key kept in the settings
// table. The key is generated on first use.
type Keyring struct {
	settings SettingStore

	mu  sync.Mutex
	key *fernet.Key
}

func NewKeyring(settings SettingStore) *Keyring {
	return &Keyring{settings: settings}
}

func (k *Keyring) getKey() (*fernet.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil {
		return k.key, nil
	}

	keyStr, err := k.settings.GetSetting(settingFernetKey)
	if err != nil || keyStr == "" {
		// Generate new key
		var fk fernet.Key
		if err := fk.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := k.settings.SetSetting(settingFernetKey, fk.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		k.key = &fk
		return k.key, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	k.key = key
	return key, nil
}

func (k *Keyring) Encrypt(plaintext string) (string, error) {
	key, err := k.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := k.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
