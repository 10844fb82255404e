package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	keyDerivationInfo = "social-login/securestore/v1/"
	minSecretLength   = 16
)

var (
	ErrInvalidVaultConfig = errors.New("securestore: invalid vault config")
	ErrMissingKey         = errors.New("securestore: key required")
	ErrCorruptEntry       = errors.New("securestore: entry could not be decrypted")

	errMissingDatabase = errors.New("database handle is required")
	errShortSecret     = fmt.Errorf("secret must be at least %d characters", minSecretLength)
)

// Entry is one encrypted value in a storage group.
type Entry struct {
	GroupID    string    `gorm:"column:group_id;primaryKey;size:190;not null"`
	Key        string    `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Ciphertext string    `gorm:"column:ciphertext;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing secure entries.
func (Entry) TableName() string {
	return "secure_entries"
}

// Options configures a Vault.
type Options struct {
	Secret string
	Clock  func() time.Time
}

// Vault derives one AES-256-GCM key per storage group from a master secret
// and persists ciphertexts through gorm.
type Vault struct {
	db     *gorm.DB
	secret []byte
	clock  func() time.Time

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// NewVault validates options and returns a Vault over db.
func NewVault(db *gorm.DB, opts Options) (*Vault, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVaultConfig, errMissingDatabase)
	}
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVaultConfig, errShortSecret)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Vault{
		db:     db,
		secret: []byte(secret),
		clock:  clock,
		aeads:  make(map[string]cipher.AEAD),
	}, nil
}

// Scope returns the store for group. The empty group is the default, ungrouped namespace.
func (v *Vault) Scope(group string) *Store {
	return &Store{vault: v, group: strings.TrimSpace(group)}
}

func (v *Vault) aead(group string) (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if aead, ok := v.aeads[group]; ok {
		return aead, nil
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, v.secret, nil, []byte(keyDerivationInfo+group))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("securestore: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("securestore: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securestore: create gcm: %w", err)
	}
	v.aeads[group] = aead
	return aead, nil
}

func (v *Vault) seal(group, key, plaintext string) (string, error) {
	aead, err := v.aead(group)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("securestore: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), additionalData(group, key))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(group, key, encoded string) (string, error) {
	aead, err := v.aead(group)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCorruptEntry)
	}
	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], additionalData(group, key))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return string(plaintext), nil
}

// additionalData binds a ciphertext to its slot.
func additionalData(group, key string) []byte {
	return []byte(group + "\x00" + key)
}

// Store is a Vault scoped to one storage group.
type Store struct {
	vault *Vault
	group string
}

// Group reports the storage group the store writes to.
func (s *Store) Group() string {
	return s.group
}

// Write encrypts value and upserts it under key.
func (s *Store) Write(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrMissingKey
	}
	ciphertext, err := s.vault.seal(s.group, key, value)
	if err != nil {
		return err
	}
	entry := Entry{
		GroupID:    s.group,
		Key:        key,
		Ciphertext: ciphertext,
		UpdatedAt:  s.vault.clock().UTC(),
	}
	return s.vault.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
		}).
		Create(&entry).
		Error
}

// Read returns the decrypted value for key. The boolean is false when no value was stored.
func (s *Store) Read(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrMissingKey
	}
	var entry Entry
	err := s.vault.db.WithContext(ctx).
		Where("group_id = ? AND entry_key = ?", s.group, key).
		Take(&entry).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	value, err := s.vault.open(s.group, key, entry.Ciphertext)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
