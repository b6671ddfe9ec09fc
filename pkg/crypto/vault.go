// Package crypto encrypts exchange API credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// nonceSize is the GCM nonce length in bytes.
	nonceSize = 12
	// versionPrefix tags ciphertexts with the key version that sealed them.
	versionPrefix = "ENC[v%d]:"

	envMasterKey = "MASTER_ENCRYPTION_KEY"
	maxVersions  = 10
)

var (
	ErrNoMasterKey       = errors.New("MASTER_ENCRYPTION_KEY is not set")
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptFailed     = errors.New("decryption failed")
)

// Vault seals and opens credential strings with AES-256-GCM. It holds every
// configured key version so ciphertexts written under older keys stay
// readable during rotation; new ciphertexts always use the latest version.
type Vault struct {
	mu      sync.RWMutex
	current int
	keys    map[int][]byte
}

// NewVault builds a vault from explicit keys. The highest version becomes
// the sealing key.
func NewVault(keys map[int][]byte) (*Vault, error) {
	if len(keys) == 0 {
		return nil, ErrNoMasterKey
	}
	v := &Vault{keys: make(map[int][]byte, len(keys))}
	for ver, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", ver, ErrInvalidKey)
		}
		v.keys[ver] = key
		if ver > v.current {
			v.current = ver
		}
	}
	return v, nil
}

// NewVaultFromEnv loads keys from MASTER_ENCRYPTION_KEY (version 1) and
// MASTER_ENCRYPTION_KEY_V2..V10, all base64-encoded 32-byte values.
func NewVaultFromEnv() (*Vault, error) {
	keys := make(map[int][]byte)

	primary := os.Getenv(envMasterKey)
	if primary == "" {
		return nil, ErrNoMasterKey
	}
	key, err := base64.StdEncoding.DecodeString(primary)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envMasterKey, err)
	}
	keys[1] = key

	for ver := 2; ver <= maxVersions; ver++ {
		raw := os.Getenv(fmt.Sprintf("%s_V%d", envMasterKey, ver))
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s_V%d: %w", envMasterKey, ver, err)
		}
		keys[ver] = key
	}

	return NewVault(keys)
}

// Encrypt seals plaintext under the current key version.
// Output format: ENC[vN]:base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	key := v.keys[v.current]
	version := v.current
	v.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(versionPrefix, version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt, selecting the key version
// from its prefix.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	version := parseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}

	v.mu.RLock()
	key, ok := v.keys[version]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}

	idx := strings.Index(ciphertext, "]:")
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

// ReEncrypt reseals a ciphertext under the current key version. Used when
// rotating account credentials to a new master key.
func (v *Vault) ReEncrypt(ciphertext string) (string, error) {
	plain, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for rotation: %w", err)
	}
	return v.Encrypt(plain)
}

// CurrentVersion returns the sealing key version.
func (v *Vault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// parseVersion extracts N from an ENC[vN]: prefix, or 0 when malformed.
func parseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// GenerateKey returns a fresh base64-encoded AES-256 key for operator setup.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
