// Package identity is the identity-provider collaborator for furet: it maps
// bearer tokens to users and holds each user's automation-backend credential,
// encrypted at rest. Rotation and clearing of credentials is owned here; the
// search pipeline only reads them.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hazyhaar/furet/idgen"
)

// DemoUserID is the fixture identity used by tests and local smoke runs.
// It is never a runtime fallback: requests without a valid token are rejected.
const DemoUserID = "00000000-0000-0000-0000-000000000000"

// ErrUnauthenticated is returned when a token does not resolve to a user.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// ErrNoCredential is returned when a user has no stored automation credential.
var ErrNoCredential = errors.New("identity: no automation credential on file")

// User is an authenticated principal.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// Store provides identity operations backed by SQLite.
type Store struct {
	db    *sql.DB
	aead  func() (cipherAEAD, error)
	key   []byte
	newID idgen.Generator
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets a custom ID generator (tests).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a Store. secret is any byte string; the encryption key is
// derived from it via SHA-256 so operators can supply a passphrase.
func NewStore(db *sql.DB, secret []byte, opts ...Option) (*Store, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: secret is required")
	}
	key := sha256.Sum256(secret)
	s := &Store{
		db:    db,
		key:   key[:],
		newID: idgen.New,
	}
	s.aead = func() (cipherAEAD, error) { return chacha20poly1305.NewX(s.key) }
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// CreateUser inserts a user with a generated ID.
func (s *Store) CreateUser(ctx context.Context, email, name string) (*User, error) {
	if email == "" {
		return nil, errors.New("identity: email is required")
	}
	u := &User{
		ID:        s.newID(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// CreateUserWithID inserts a user with a caller-chosen ID. Fixtures only.
func (s *Store) CreateUserWithID(ctx context.Context, id, email, name string) (*User, error) {
	u := &User{ID: id, Email: email, Name: name, CreatedAt: time.Now().UnixMilli()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// IssueToken creates a bearer token for the user and returns its cleartext.
// Only the SHA-256 hash is persisted.
func (s *Store) IssueToken(ctx context.Context, userID string) (string, error) {
	token := idgen.Prefixed("tok_", idgen.Default)()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (token_hash, user_id, created_at) VALUES (?, ?, ?)`,
		hashToken(token), userID, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert token: %w", err)
	}
	return token, nil
}

// Authenticate resolves a bearer token to its user.
func (s *Store) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.name, u.created_at
		FROM api_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = ?`, hashToken(token)).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	return &u, nil
}

// SetCredential stores the user's automation-backend API key, encrypted.
func (s *Store) SetCredential(ctx context.Context, userID, apiKey string) error {
	if apiKey == "" {
		return errors.New("identity: empty credential")
	}
	sealed, err := s.encrypt([]byte(apiKey))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_credentials (user_id, ciphertext, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		userID, sealed, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Credential returns the user's decrypted automation-backend API key.
func (s *Store) Credential(ctx context.Context, userID string) (string, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM automation_credentials WHERE user_id = ?`, userID).
		Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	plain, err := s.decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plain), nil
}

// ClearCredential removes the user's stored credential. Idempotent.
// Called by the session controller when the backend reports the key invalid,
// so the next run prompts for re-entry instead of repeating a known failure.
func (s *Store) ClearCredential(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM automation_credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (s *Store) encrypt(plain []byte) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) decrypt(sealed []byte) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, box, nil)
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
