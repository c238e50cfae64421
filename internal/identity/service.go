// Package identity manages participant accounts and the tokens the gateway
// uses to resolve an authenticated caller. The engine itself never
// authenticates anyone; it only compares the account ids this package
// vouches for. Participants live in postgres when a database is configured;
// without one the service keeps them in process, matching the in-memory
// vault fallback.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidSecret   = errors.New("invalid account secret")
	ErrInvalidToken    = errors.New("invalid token")
)

// Service issues and verifies participant tokens.
type Service struct {
	store     participantStore
	jwtSecret string
	tokenTTL  time.Duration
}

// Account is a participant identity.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims is the token payload.
type Claims struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// participantStore persists account records and their secret hashes.
type participantStore interface {
	insert(ctx context.Context, account Account, secretHash string) error
	lookup(ctx context.Context, id uuid.UUID) (name, secretHash string, err error)
}

// NewService creates an identity service. db may be nil; accounts are then
// held in process.
func NewService(db *sql.DB, jwtSecret string) *Service {
	var store participantStore
	if db != nil {
		store = &sqlStore{db: db}
	} else {
		store = newMemoryStore()
	}
	return &Service{
		store:     store,
		jwtSecret: jwtSecret,
		tokenTTL:  24 * time.Hour,
	}
}

// CreateAccount registers a participant and returns the account plus its
// secret. The secret is returned exactly once; only its hash is stored.
func (s *Service) CreateAccount(ctx context.Context, name string) (*Account, string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	account := Account{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := s.store.insert(ctx, account, hashSecret(secret)); err != nil {
		return nil, "", fmt.Errorf("failed to create account: %w", err)
	}

	return &account, secret, nil
}

// Authenticate checks an account secret and returns a signed token.
func (s *Service) Authenticate(ctx context.Context, accountID uuid.UUID, secret string) (string, error) {
	name, storedHash, err := s.store.lookup(ctx, accountID)
	if err != nil {
		return "", err
	}

	if hashSecret(secret) != storedHash {
		return "", ErrInvalidSecret
	}

	return s.IssueToken(accountID, name)
}

// IssueToken signs a token for an already-verified account.
func (s *Service) IssueToken(accountID uuid.UUID, name string) (string, error) {
	now := time.Now()
	claims := &Claims{
		AccountID: accountID.String(),
		Name:      name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken validates a token and returns the caller's account id.
func (s *Service) VerifyToken(tokenString string) (uuid.UUID, error) {
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	accountID, err := uuid.Parse(claims.AccountID)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return accountID, nil
}

func hashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// sqlStore keeps participants in the shared postgres database.
type sqlStore struct {
	db *sql.DB
}

func (s *sqlStore) insert(ctx context.Context, account Account, secretHash string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO participants (id, name, secret_hash, created_at) VALUES ($1, $2, $3, $4)",
		account.ID, account.Name, secretHash, account.CreatedAt,
	)
	return err
}

func (s *sqlStore) lookup(ctx context.Context, id uuid.UUID) (string, string, error) {
	var name, secretHash string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, secret_hash FROM participants WHERE id = $1",
		id,
	).Scan(&name, &secretHash)
	if err == sql.ErrNoRows {
		return "", "", ErrAccountNotFound
	}
	if err != nil {
		return "", "", err
	}
	return name, secretHash, nil
}

// memoryStore backs database-less deployments.
type memoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]memoryRecord
}

type memoryRecord struct {
	name       string
	secretHash string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[uuid.UUID]memoryRecord)}
}

func (s *memoryStore) insert(ctx context.Context, account Account, secretHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[account.ID] = memoryRecord{name: account.Name, secretHash: secretHash}
	return nil
}

func (s *memoryStore) lookup(ctx context.Context, id uuid.UUID) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return "", "", ErrAccountNotFound
	}
	return rec.name, rec.secretHash, nil
}
