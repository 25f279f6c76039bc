package token

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bookshelf/pkg/domain"
	"bookshelf/pkg/store"
)

var (
	// ErrInvalidToken covers bad signatures, lapsed expiry, and malformed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenNotRegistered is returned when a refresh token verifies but is
	// absent from the registry (revoked, or issued before a restart).
	ErrTokenNotRegistered = errors.New("refresh token not registered")
)

// Claims is the payload carried by both token classes.
type Claims struct {
	UserID  string `json:"id"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// Service issues and verifies access and refresh tokens. The two classes are
// signed with independent secrets so a leaked access secret cannot mint
// refresh tokens, and vice versa. Refresh token validity additionally
// requires membership in the registry.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	registry      store.RefreshTokenRegistry
}

// NewService constructs the token service.
func NewService(accessSecret, refreshSecret string, accessTTL time.Duration, registry store.RefreshTokenRegistry) (*Service, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("token service requires both signing secrets")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if accessTTL <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	return &Service{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		registry:      registry,
	}, nil
}

// IssueAccess signs a short-lived access token for the identity.
func (s *Service) IssueAccess(id domain.Identity) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID:  id.UserID,
		IsAdmin: id.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessSecret)
}

// IssueRefresh signs a refresh token (no expiry claim) and records it in the
// registry so it becomes redeemable.
func (s *Service) IssueRefresh(id domain.Identity) (string, error) {
	claims := Claims{
		UserID:  id.UserID,
		IsAdmin: id.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.refreshSecret)
	if err != nil {
		return "", err
	}
	if err := s.registry.Add(token); err != nil {
		return "", fmt.Errorf("register refresh token: %w", err)
	}
	return token, nil
}

// VerifyAccess validates an access token and returns the identity it carries.
func (s *Service) VerifyAccess(token string) (domain.Identity, error) {
	return s.verify(token, s.accessSecret)
}

// Redeem exchanges a registered refresh token for a new access token. The
// token must be in the registry AND carry a valid signature; it stays
// redeemable afterwards (no rotation) until revoked.
func (s *Service) Redeem(token string) (string, error) {
	ok, err := s.registry.Contains(token)
	if err != nil {
		return "", fmt.Errorf("check refresh registry: %w", err)
	}
	if !ok {
		return "", ErrTokenNotRegistered
	}
	id, err := s.verify(token, s.refreshSecret)
	if err != nil {
		return "", err
	}
	return s.IssueAccess(id)
}

// Revoke removes a refresh token from the registry. Revoking an unknown or
// already revoked token is a no-op.
func (s *Service) Revoke(token string) error {
	return s.registry.Remove(token)
}

func (s *Service) verify(token string, secret []byte) (domain.Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Identity{}, ErrInvalidToken
	}
	if claims.UserID == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	return domain.Identity{UserID: claims.UserID, IsAdmin: claims.IsAdmin}, nil
}
