// Package secrets stores bot tokens and API keys outside the config file,
// either in the OS keyring or in a password-protected vault file encrypted
// with AES-256-GCM under an Argon2id-derived key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// VaultFile is the vault file name inside the data dir.
	VaultFile = "pandabot.vault"

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	saltLen   = 16
	verifyKey = "__verify__"
)

var (
	// ErrVaultLocked is returned by operations that need the derived key.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrWrongPassword is returned by Unlock when the password does not
	// decrypt the vault.
	ErrWrongPassword = errors.New("wrong vault password")
)

type vaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type vaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	Entries map[string]vaultEntry `json:"entries"`
}

// Vault is an encrypted name → secret file.
type Vault struct {
	path string
	data *vaultData
	key  []byte
	mu   sync.RWMutex
}

// NewVault points a vault at path. Call Create or Unlock before use.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file is on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether secrets can be read.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create writes a new, empty vault protected by password.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = deriveKey(password, salt)
	v.data = &vaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: map[string]vaultEntry{},
	}
	verify, err := encrypt(v.key, []byte("pandabot-vault-ok"))
	if err != nil {
		return err
	}
	v.data.Entries[verifyKey] = verify
	return v.saveLocked()
}

// Unlock loads the vault and derives its key from password.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}
	var data vaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}

	key := deriveKey(password, salt)
	if verify, ok := data.Entries[verifyKey]; ok {
		if _, err := decrypt(key, verify); err != nil {
			return ErrWrongPassword
		}
	}

	v.mu.Lock()
	v.key = key
	v.data = &data
	v.mu.Unlock()
	return nil
}

// Lock zeroes and drops the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Set encrypts and stores a secret.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	entry, err := encrypt(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	return v.saveLocked()
}

// Get decrypts a secret. It returns "" for unknown names.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrVaultLocked
	}
	entry, ok := v.data.Entries[name]
	if !ok || name == verifyKey {
		return "", nil
	}
	plain, err := decrypt(v.key, entry)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes a secret.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Names lists the stored secrets, sorted.
func (v *Vault) Names() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrVaultLocked
	}
	names := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k != verifyKey {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names, nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encrypt(key, plaintext []byte) (vaultEntry, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return vaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return vaultEntry{}, err
	}
	return vaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func decrypt(key []byte, entry vaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// saveLocked writes the vault with owner-only permissions. Caller holds mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	if dir := filepath.Dir(v.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create vault dir: %w", err)
		}
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}
