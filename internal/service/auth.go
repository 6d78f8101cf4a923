// Package service holds the gateway's application services: credential
// management and the wiring that assembles a running App from configuration.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pgguard/pgguard/internal/config"
	"github.com/pgguard/pgguard/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrKeyRevoked         = errors.New("api key revoked")
)

// keyPrefix marks every issued key so leaked credentials are greppable.
const keyPrefix = "pgk_"

// APIKeyPrincipal identifies a caller authenticated by API key.
type APIKeyPrincipal struct {
	KeyID     int64
	Label     string
	KeyPrefix string
}

// SessionPrincipal identifies a caller holding a session token.
type SessionPrincipal struct {
	SessionID string
	KeyLabel  string
}

// AuthService validates API keys against the config store and issues
// short-lived JWT session tokens bound to them.
type AuthService struct {
	store     *config.Store
	jwtSecret []byte
	jwtExpiry time.Duration
}

func NewAuthService(store *config.Store, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	if jwtExpiry <= 0 {
		jwtExpiry = time.Hour
	}
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		// Ephemeral secret: sessions stop validating after a restart, but
		// an unset secret never means an unsigned token.
		secret = make([]byte, 32)
		rand.Read(secret) //nolint:errcheck
	}
	return &AuthService{
		store:     store,
		jwtSecret: secret,
		jwtExpiry: jwtExpiry,
	}
}

// CreateKey mints a new API key: 32 random bytes, hex encoded, prefixed.
// Only the hash is stored; the raw key is returned once and cannot be
// recovered afterwards.
func (s *AuthService) CreateKey(ctx context.Context, label string, expiresAt *time.Time) (string, *model.APIKey, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", nil, fmt.Errorf("generate random key: %w", err)
	}
	rawKey := keyPrefix + hex.EncodeToString(randomBytes)

	key := &model.APIKey{
		KeyHash:   config.HashAPIKey(rawKey),
		KeyPrefix: rawKey[:len(keyPrefix)+8],
		Label:     label,
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("create api key: %w", err)
	}
	return rawKey, key, nil
}

// ValidateAPIKey checks a raw API key against the stored hashes.
func (s *AuthService) ValidateAPIKey(ctx context.Context, rawKey string) (*APIKeyPrincipal, error) {
	key, err := s.store.GetAPIKeyByHash(ctx, config.HashAPIKey(rawKey))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !key.IsActive {
		return nil, ErrKeyRevoked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}

	// Update last used timestamp (fire and forget)
	go s.store.UpdateAPIKeyLastUsed(context.Background(), key.ID) //nolint:errcheck

	return &APIKeyPrincipal{KeyID: key.ID, Label: key.Label, KeyPrefix: key.KeyPrefix}, nil
}

// IssueSessionToken creates a signed JWT for a caller who just presented a
// valid API key. The session ID ties rate-limit buckets and audit records
// to one conversation rather than one key.
func (s *AuthService) IssueSessionToken(principal *APIKeyPrincipal) (string, string, error) {
	sessionID := uuid.NewString()
	now := time.Now()
	claims := sessionClaims{
		SessionID: sessionID,
		KeyLabel:  principal.Label,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			Issuer:    "pgguard",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, sessionID, nil
}

// ValidateSessionToken verifies a JWT bearer token.
func (s *AuthService) ValidateSessionToken(tokenStr string) (*SessionPrincipal, error) {
	claims := &sessionClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}
	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &SessionPrincipal{SessionID: claims.SessionID, KeyLabel: claims.KeyLabel}, nil
}

type sessionClaims struct {
	SessionID string `json:"session_id"`
	KeyLabel  string `json:"key_label,omitempty"`
	jwt.RegisteredClaims
}
