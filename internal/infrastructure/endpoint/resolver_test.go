package endpoint

import (
	"context"
	"testing"

	"livesync/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		path        string
		wantChannel string
		wantAPI     string
	}{
		{"production", config.EnvironmentProduction, "/ws", "wss://live.example.com/ws", "https://live.example.com"},
		{"development", config.EnvironmentDevelopment, "/ws", "ws://localhost:8080/ws", "http://localhost:8080"},
		{"path without slash", config.EnvironmentDevelopment, "events", "ws://localhost:8080/events", "http://localhost:8080"},
		{"default path", config.EnvironmentDevelopment, "", "ws://localhost:8080/ws", "http://localhost:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResolver(tt.environment, "live.example.com", "localhost:8080", tt.path)
			require.NoError(t, err)

			got, err := r.Resolve(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantChannel, got)
			assert.Equal(t, tt.wantAPI, r.APIBaseURL())
		})
	}
}

func TestResolver_RejectsBadHost(t *testing.T) {
	_, err := NewResolver(config.EnvironmentProduction, "https://live.example.com", "localhost", "/ws")
	assert.Error(t, err)

	_, err = NewResolver(config.EnvironmentDevelopment, "live.example.com", "", "/ws")
	assert.Error(t, err)
}

func TestResolver_CancelledContext(t *testing.T) {
	r, err := FromConfig(config.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Resolve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
