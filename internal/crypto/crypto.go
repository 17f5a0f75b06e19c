package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
)

const settingFernetKey = "fernet_key"

// SettingStore is where the fernet key lives between restarts.
type SettingStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Keyring encrypts secrets that are persisted next to tunnel descriptors.
// The key is generated on first use and kept in the settings table.
type Keyring struct {
	store SettingStore

	mu  sync.Mutex
	key *fernet.Key
}

func NewKeyring(store SettingStore) *Keyring {
	return &Keyring{store: store}
}

func (k *Keyring) getKey() (*fernet.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil {
		return k.key, nil
	}

	keyStr, err := k.store.GetSetting(settingFernetKey)
	if errors.Is(err, database.ErrNotFound) {
		var nk fernet.Key
		if err := nk.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := k.store.SetSetting(settingFernetKey, nk.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		k.key = &nk
		return k.key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	k.key = key
	return key, nil
}

func (k *Keyring) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
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
