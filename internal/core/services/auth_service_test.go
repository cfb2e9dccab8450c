package services

import (
	"testing"
	"time"

	"livesync/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	s := NewAuthService("secret", time.Minute)

	token, err := s.GenerateToken("host-1", domain.RoleHost)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.ActorID("host-1"), claims.ActorID)
	assert.Equal(t, domain.RoleHost, claims.Role)
	assert.Equal(t, "host-1", claims.Subject)
}

func TestAuthService_Rejects(t *testing.T) {
	s := NewAuthService("secret", time.Minute)
	other := NewAuthService("other", time.Minute)

	foreign, err := other.GenerateToken("host-1", domain.RoleHost)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{ActorID: "host-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"alg none", unsigned},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthService_Expired(t *testing.T) {
	svc := NewAuthService("secret", time.Minute).(*authService)
	issued := time.Now().Add(-time.Hour)
	svc.now = func() time.Time { return issued }

	token, err := svc.GenerateToken("viewer-1", domain.RoleViewer)
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
