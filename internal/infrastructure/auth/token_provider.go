package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/internal/core/services"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no token configured")

// StaticTokenProvider hands out a fixed token, typically from the
// environment.
type StaticTokenProvider string

var _ ports.TokenProvider = StaticTokenProvider("")

func (p StaticTokenProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p == "" {
		return "", ErrNoToken
	}
	return string(p), nil
}

// JWTTokenProvider mints tokens for one actor and reuses each until it is
// within refreshBefore of its expiry.
type JWTTokenProvider struct {
	issuer        services.AuthService
	actor         domain.ActorID
	role          domain.Role
	refreshBefore time.Duration
	now           func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ ports.TokenProvider = (*JWTTokenProvider)(nil)

func NewJWTTokenProvider(issuer services.AuthService, actor domain.ActorID, role domain.Role, refreshBefore time.Duration) *JWTTokenProvider {
	return &JWTTokenProvider{
		issuer:        issuer,
		actor:         actor,
		role:          role,
		refreshBefore: refreshBefore,
		now:           time.Now,
	}
}

func (p *JWTTokenProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Add(p.refreshBefore).Before(p.expires) {
		return p.token, nil
	}

	token, err := p.issuer.GenerateToken(p.actor, p.role)
	if err != nil {
		return "", fmt.Errorf("mint token for %s: %w", p.actor, err)
	}
	expires, err := expiry(token)
	if err != nil {
		return "", err
	}
	p.token, p.expires = token, expires
	return token, nil
}

// expiry reads the exp claim without verifying the signature; the token was
// minted locally.
func expiry(token string) (time.Time, error) {
	var claims services.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse minted token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("minted token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}
