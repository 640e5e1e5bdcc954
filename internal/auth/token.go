package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that does not authorise the
// requested challenge.
var ErrInvalidToken = errors.New("invalid token")

// ChallengeClaims binds a token to one challenge.
type ChallengeClaims struct {
	ChallengeID string `json:"challengeId"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies short lived challenge tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService returns a service signing with HS256.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(strings.TrimSpace(secret)),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for challengeID.
func (s *TokenService) Issue(challengeID string) (string, error) {
	now := s.now()
	claims := ChallengeClaims{
		ChallengeID: challengeID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign challenge token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and challenge binding of token.
func (s *TokenService) Verify(token, challengeID string) error {
	if token == "" || challengeID == "" {
		return ErrInvalidToken
	}
	claims := &ChallengeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	if claims.ChallengeID != challengeID {
		return ErrInvalidToken
	}
	return nil
}
