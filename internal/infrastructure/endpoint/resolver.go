package endpoint

import (
	"context"
	"fmt"
	"strings"

	"livesync/internal/core/ports"
	"livesync/pkg/config"
	"livesync/pkg/validation"
)

// Resolver builds channel and API addresses for the configured environment.
// Production uses TLS on the production domain; development talks plain
// ws/http to a local host.
type Resolver struct {
	environment string
	host        string
	channelPath string
}

var _ ports.EndpointResolver = (*Resolver)(nil)

func NewResolver(environment, productionDomain, developmentHost, channelPath string) (*Resolver, error) {
	host := developmentHost
	if environment == config.EnvironmentProduction {
		host = productionDomain
	}
	if err := validation.ValidateHost(host); err != nil {
		return nil, fmt.Errorf("endpoint host for %s: %w", environment, err)
	}
	if channelPath == "" {
		channelPath = "/ws"
	}
	if !strings.HasPrefix(channelPath, "/") {
		channelPath = "/" + channelPath
	}
	return &Resolver{
		environment: environment,
		host:        strings.TrimSpace(host),
		channelPath: channelPath,
	}, nil
}

// FromConfig builds a Resolver from the endpoint section.
func FromConfig(cfg *config.Config) (*Resolver, error) {
	return NewResolver(
		cfg.Endpoint.Environment,
		cfg.Endpoint.ProductionDomain,
		cfg.Endpoint.DevelopmentHost,
		cfg.Endpoint.ChannelPath,
	)
}

func (r *Resolver) secure() bool {
	return r.environment == config.EnvironmentProduction
}

// Resolve returns the scheme-qualified channel URL.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	scheme := "ws"
	if r.secure() {
		scheme = "wss"
	}
	u := scheme + "://" + r.host + r.channelPath
	if err := validation.ValidateChannelURL(u); err != nil {
		return "", err
	}
	return u, nil
}

func (r *Resolver) APIBaseURL() string {
	if r.secure() {
		return "https://" + r.host
	}
	return "http://" + r.host
}
