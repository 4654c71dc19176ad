package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LedgerScope is the scope claim the JSON API expects on bearer tokens.
const LedgerScope = "daml_ledger_api"

var ErrNoSecret = errors.New("ledger jwt secret not configured")

// Claims carried by ledger bearer tokens.
type Claims struct {
	Scope string `json:"scope"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenMinter signs short-lived HS256 tokens for one ledger user.
type TokenMinter struct {
	secret []byte
	userID string
	ttl    time.Duration
	admin  bool
	now    func() time.Time
}

// NewTokenMinter creates a minter. A zero ttl defaults to five minutes.
func NewTokenMinter(secret, userID string, ttl time.Duration, admin bool) *TokenMinter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenMinter{secret: []byte(secret), userID: userID, ttl: ttl, admin: admin, now: time.Now}
}

// Mint returns a signed token.
func (m *TokenMinter) Mint() (string, error) {
	if len(m.secret) == 0 {
		return "", ErrNoSecret
	}
	now := m.now()
	claims := &Claims{
		Scope: LedgerScope,
		Admin: m.admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign ledger token: %w", err)
	}
	return signed, nil
}

// Verify parses a token minted with the same secret. Used by tests and the
// relayctl token command.
func (m *TokenMinter) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid ledger token")
	}
	return claims, nil
}
