package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionAudience = "newsletter-admin"
	stateAudience   = "onedrive-oauth-state"

	// DefaultStateMaxAge bounds the time between OAuth start and callback.
	DefaultStateMaxAge = 10 * time.Minute
)

var (
	ErrEmptySecret  = errors.New("signing secret is empty")
	ErrInvalidToken = errors.New("invalid token")
)

type sessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type stateClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens for admin sessions and OAuth state.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// IssueSession signs a session token. The external session service issues
// the same shape; this is used by the CLI and tests.
func (s *Signer) IssueSession(ac AuthContext, ttl time.Duration) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Email: ac.Email,
		Role:  ac.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ac.UserID,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return s.sign(claims)
}

// ParseSession verifies a session token and returns its identity.
func (s *Signer) ParseSession(token string) (AuthContext, error) {
	var claims sessionClaims
	if err := s.parse(token, &claims, sessionAudience); err != nil {
		return AuthContext{}, err
	}
	if claims.Subject == "" {
		return AuthContext{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return AuthContext{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// IssueState signs the OAuth state blob carrying the acting user.
func (s *Signer) IssueState(userID string, maxAge time.Duration) (string, error) {
	now := s.now()
	return s.sign(stateClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(maxAge)),
		},
	})
}

// ParseState verifies an OAuth state blob and returns the user it was issued for.
func (s *Signer) ParseState(state string) (string, error) {
	var claims stateClaims
	if err := s.parse(state, &claims, stateAudience); err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: missing user", ErrInvalidToken)
	}
	return claims.UserID, nil
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Signer) parse(token string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}
