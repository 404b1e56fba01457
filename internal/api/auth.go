package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/dbmigrator/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a bad token or API key
var ErrInvalidCredentials = errors.New("invalid credentials")

// Claims carried by operator tokens
type Claims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the role or roles claim contains role
func (c *Claims) HasRole(role string) bool {
	if c.Role == role {
		return true
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authorizer verifies operator tokens and API keys
type Authorizer struct {
	secret     []byte
	apiKeyHash []byte
	now        func() time.Time
}

// NewAuthorizer validates the configured API key hash, if any
func NewAuthorizer(jwtCfg config.JWT, httpCfg config.HTTP) (*Authorizer, error) {
	a := &Authorizer{
		secret: []byte(jwtCfg.Secret),
		now:    time.Now,
	}
	if httpCfg.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(httpCfg.APIKeyHash)); err != nil {
			return nil, fmt.Errorf("api_key_hash is not a bcrypt hash: %w", err)
		}
		a.apiKeyHash = []byte(httpCfg.APIKeyHash)
	}
	return a, nil
}

// IssueToken signs an HS256 token for subject carrying role
func (a *Authorizer) IssueToken(subject, role string, ttl time.Duration) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(ttl)

	signed, err := a.sign(Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *Authorizer) sign(claims Claims) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken verifies signature and expiry and returns the claims
func (a *Authorizer) ParseToken(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrInvalidCredentials
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// CheckAPIKey compares key against the configured hash
func (a *Authorizer) CheckAPIKey(key string) error {
	if len(a.apiKeyHash) == 0 {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.apiKeyHash, []byte(key)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashAPIKey returns the bcrypt hash to store as http.api_key_hash
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", errors.New("API key must be at least 16 characters long")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
