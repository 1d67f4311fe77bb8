// Package vault stores per-skill secrets encrypted at rest. Values are
// sealed with AES-256-GCM under a key derived from the node's machine
// secret and a per-skill salt, so secrets written by one skill cannot be
// read by another even with direct access to the database file.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 16
	keySize        = 32
	kdfIterations  = 100_000
	minSecretBytes = 16
)

var (
	// ErrDenied is returned when a key is not in the caller's allow-list.
	// The message carries no key or value detail.
	ErrDenied = errors.New("access denied")

	// ErrNotFound is returned when no secret exists for the requested key.
	ErrNotFound = errors.New("secret not found")
)

// Store is the secret store surface the runtime depends on. Secret values
// must never appear in returned errors or in log output.
type Store interface {
	Get(ctx context.Context, skill, key string, allowed []string) (string, error)
	Set(ctx context.Context, skill, key, value string) error
	Delete(ctx context.Context, skill, key string) error
	List(ctx context.Context, skill string) ([]string, error)
	DeleteAll(ctx context.Context, skill string) error
	Close() error
}

// SQLite is the on-disk Store implementation.
type SQLite struct {
	db     *sqlx.DB
	secret []byte
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string][]byte // skill -> derived key
}

// Option configures a SQLite vault.
type Option func(*SQLite)

// WithLogger sets the logger used by the vault.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLite) {
		s.logger = logger.With("component", "vault")
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_salts (
	skill TEXT PRIMARY KEY,
	salt  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS vault_secrets (
	skill      TEXT NOT NULL,
	key        TEXT NOT NULL,
	nonce      BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (skill, key)
);
`

// Open opens (creating if needed) the vault database at path. machineSecret
// is the node-wide secret all per-skill keys are derived from.
func Open(path string, machineSecret []byte, opts ...Option) (*SQLite, error) {
	if len(machineSecret) < minSecretBytes {
		return nil, fmt.Errorf("machine secret too short: %d bytes", len(machineSecret))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring vault database: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	s := &SQLite{
		db:     db,
		secret: machineSecret,
		logger: slog.Default().With("component", "vault"),
		keys:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get returns the secret value for key, enforcing the allow-list: the key
// must be listed exactly or the list must contain the wildcard "*".
func (s *SQLite) Get(ctx context.Context, skill, key string, allowed []string) (string, error) {
	if !keyAllowed(key, allowed) {
		return "", ErrDenied
	}

	var row struct {
		Nonce      []byte `db:"nonce"`
		Ciphertext []byte `db:"ciphertext"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT nonce, ciphertext FROM vault_secrets WHERE skill = ? AND key = ?`, skill, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying secret: %w", err)
	}

	value, err := s.unseal(ctx, skill, key, row.Nonce, row.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("unsealing secret: %w", err)
	}
	return value, nil
}

// Set stores or replaces the secret value for key.
func (s *SQLite) Set(ctx context.Context, skill, key, value string) error {
	nonce, ciphertext, err := s.seal(ctx, skill, key, value)
	if err != nil {
		return fmt.Errorf("sealing secret: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (skill, key, nonce, ciphertext, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (skill, key) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		skill, key, nonce, ciphertext)
	if err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}

	s.logger.Debug("secret stored", "skill", skill, "key", key)
	return nil
}

// Delete removes the secret for key. Deleting a missing key returns
// ErrNotFound.
func (s *SQLite) Delete(ctx context.Context, skill, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM vault_secrets WHERE skill = ? AND key = ?`, skill, key)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("secret deleted", "skill", skill, "key", key)
	return nil
}

// List returns the key names stored for skill, sorted. Values are not
// decrypted.
func (s *SQLite) List(ctx context.Context, skill string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT key FROM vault_secrets WHERE skill = ? ORDER BY key`, skill)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	return keys, nil
}

// DeleteAll removes every secret for skill along with its salt, so a
// reinstalled skill starts from a fresh key.
func (s *SQLite) DeleteAll(ctx context.Context, skill string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vault_secrets WHERE skill = ?`, skill); err != nil {
		return fmt.Errorf("deleting secrets: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vault_salts WHERE skill = ?`, skill); err != nil {
		return fmt.Errorf("deleting salt: %w", err)
	}

	s.mu.Lock()
	delete(s.keys, skill)
	s.mu.Unlock()

	s.logger.Debug("vault released", "skill", skill)
	return nil
}

// keyAllowed reports whether key appears in the allow-list, either
// verbatim or via the wildcard entry "*".
func keyAllowed(key string, allowed []string) bool {
	for _, entry := range allowed {
		if entry == "*" || entry == key {
			return true
		}
	}
	return false
}

// skillKey returns the derived encryption key for skill, creating and
// persisting a salt on first use.
func (s *SQLite) skillKey(ctx context.Context, skill string) ([]byte, error) {
	s.mu.Lock()
	if key, ok := s.keys[skill]; ok {
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	var salt []byte
	err := s.db.GetContext(ctx, &salt,
		`SELECT salt FROM vault_salts WHERE skill = ?`, skill)
	if errors.Is(err, sql.ErrNoRows) {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		// DO NOTHING keeps the first writer's salt; re-read to pick up
		// whichever one won.
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO vault_salts (skill, salt) VALUES (?, ?)
			 ON CONFLICT (skill) DO NOTHING`, skill, salt); err != nil {
			return nil, fmt.Errorf("storing salt: %w", err)
		}
		if err := s.db.GetContext(ctx, &salt,
			`SELECT salt FROM vault_salts WHERE skill = ?`, skill); err != nil {
			return nil, fmt.Errorf("reading salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	key := pbkdf2.Key(s.secret, salt, kdfIterations, keySize, sha256.New)

	s.mu.Lock()
	s.keys[skill] = key
	s.mu.Unlock()
	return key, nil
}

func (s *SQLite) seal(ctx context.Context, skill, key, value string) (nonce, ciphertext []byte, err error) {
	derived, err := s.skillKey(ctx, skill)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := newGCM(derived)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, []byte(value), slotAAD(skill, key))
	return nonce, ciphertext, nil
}

func (s *SQLite) unseal(ctx context.Context, skill, key string, nonce, ciphertext []byte) (string, error) {
	derived, err := s.skillKey(ctx, skill)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(derived)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, slotAAD(skill, key))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// slotAAD binds a ciphertext to its (skill, key) slot so rows cannot be
// swapped between slots in the database file.
func slotAAD(skill, key string) []byte {
	return []byte(skill + "\x00" + key)
}

// LoadMachineSecret reads the node's machine secret from path, generating
// and persisting a new one on first run.
func LoadMachineSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) < minSecretBytes {
			return nil, fmt.Errorf("machine secret at %s is too short", path)
		}
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading machine secret: %w", err)
	}

	secret = make([]byte, keySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating machine secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("writing machine secret: %w", err)
	}
	return secret, nil
}

var _ Store = (*SQLite)(nil)
