// Package session issues and validates the bearer tokens served by the
// backend. Tokens are stateless JWTs; sign-out works by revoking the token
// id until its natural expiration.
package session

import (
	"sync"
	"time"

	"github.com/caissapos/caissa/internal/database"
	"github.com/caissapos/caissa/internal/model"
	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

type (
	// A Manager issues, validates and revokes bearer tokens.
	Manager interface {
		// Token returns a signed token for the account.
		Token(account *model.Account) (string, error)
		// Validate checks the token and returns its account and token id.
		Validate(token string) (*model.Account, string, error)
		// Revoke blacklists a token id until its expiration.
		Revoke(id string)
	}

	manager struct {
		db         database.Client
		signingKey []byte
		duration   time.Duration

		mu      sync.Mutex
		revoked map[string]time.Time
	}
)

// NewManager returns a Manager backed by the given database.
func NewManager(db database.Client, signingKey []byte, duration time.Duration) Manager {
	return &manager{
		db:         db,
		signingKey: signingKey,
		duration:   duration,
		revoked:    make(map[string]time.Time),
	}
}

func (m *manager) Token(account *model.Account) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti":          uuid.Must(uuid.NewV4()).String(),
		"account_uuid": account.ID,
		"iss":          "github.com/caissapos/caissa",
		"iat":          now.Unix(),
		"exp":          now.Add(m.duration).Unix(),
	})

	t, err := token.SignedString(m.signingKey)
	return t, errors.Wrap(err, "could not sign token")
}

func (m *manager) Validate(token string) (*model.Account, string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, "", errors.New("invalid token")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, "", errors.New("invalid token claims")
	}
	id, _ := claims["jti"].(string)
	if id == "" || m.isRevoked(id) {
		return nil, "", errors.New("revoked token")
	}
	uuid, _ := claims["account_uuid"].(string)

	account, err := m.db.FindAccount(uuid)
	if err != nil {
		if m.db.IsNotFound(err) {
			return nil, "", errors.New("no such account for given token")
		}
		return nil, "", errors.Wrap(err, "could not get access to database")
	}

	return account, id, nil
}

func (m *manager) Revoke(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revoked[id] = time.Now().Add(m.duration)

	// Opportunistic prune of entries whose token expired anyway.
	now := time.Now()
	for id, deadline := range m.revoked {
		if now.After(deadline) {
			delete(m.revoked, id)
		}
	}
}

func (m *manager) isRevoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[id]
	return ok
}
