// Package capability issues and verifies the short-lived session tokens that
// let a player connect to one world's task.
package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/worldgate/internal/world"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid capability token")
	ErrWrongWorld   = errors.New("capability token issued for another world")
)

const DefaultTTL = 15 * time.Minute

// Claims is the verified content of a capability token.
type Claims struct {
	Subject   string
	Key       world.Key
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	GameKey string `json:"gameKey"`
	WorldID string `json:"worldId"`
}

type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("capability secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{secret: cfg.Secret, ttl: cfg.TTL, now: cfg.Now}, nil
}

// Issue signs a token for subject scoped to key. A positive ttl overrides
// the issuer default.
func (i *Issuer) Issue(subject string, key world.Key, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("capability subject is required")
	}
	if err := key.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	now := i.now().UTC().Truncate(time.Second)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		GameKey: key.GameKey,
		WorldID: key.WorldID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign capability: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry, and that the token was
// issued for expected.
func (i *Issuer) Verify(token string, expected world.Key) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	key := world.Key{GameKey: parsed.GameKey, WorldID: parsed.WorldID}
	if key != expected {
		return Claims{}, fmt.Errorf("%w: got %s want %s", ErrWrongWorld, key, expected)
	}
	return Claims{
		Subject:   parsed.Subject,
		Key:       key,
		IssuedAt:  parsed.IssuedAt.Time,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}
