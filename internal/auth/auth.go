package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
)

// BlacklistChecker answers whether a token ID has been revoked. The
// broker implements it; an unreachable broker surfaces an error and the
// check fails closed.
type BlacklistChecker interface {
	IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error)
}

// Revoker stores a revocation with a TTL matching the token's remaining
// validity, so the entry expires with the token.
type Revoker interface {
	BlacklistToken(ctx context.Context, tokenID string, remaining time.Duration) error
}

type claims struct {
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens minted by the account service.
type Verifier struct {
	secret    []byte
	blacklist BlacklistChecker
	logger    *slog.Logger
}

func NewVerifier(secret string, blacklist BlacklistChecker, logger *slog.Logger) *Verifier {
	return &Verifier{secret: []byte(secret), blacklist: blacklist, logger: logger}
}

// Verify checks the token's signature, expiry, type, and revocation
// status, and returns the identity handle it was issued to. A broker
// failure on the blacklist lookup rejects the token: availability is
// traded for not honoring a possibly revoked credential.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if c.TokenType != "access" {
		return "", fmt.Errorf("%w: token type %q", ErrInvalidToken, c.TokenType)
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if c.ID != "" {
		revoked, err := v.blacklist.IsTokenBlacklisted(ctx, c.ID)
		if err != nil {
			v.logger.Error("blacklist check unavailable, rejecting token", "error", err)
			return "", fmt.Errorf("%w: blacklist check failed", ErrInvalidToken)
		}
		if revoked {
			return "", ErrRevoked
		}
	}

	return c.Subject, nil
}

// Revoke blacklists a token for the rest of its lifetime. Expired tokens
// are ignored.
func Revoke(ctx context.Context, revoker Revoker, secret, token string) error {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || c.ID == "" {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	remaining := time.Duration(0)
	if c.ExpiresAt != nil {
		remaining = time.Until(c.ExpiresAt.Time)
	}
	if remaining <= 0 {
		return nil
	}
	return revoker.BlacklistToken(ctx, c.ID, remaining)
}
