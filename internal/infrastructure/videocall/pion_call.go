package videocall

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"livesync/internal/core/ports"
	"livesync/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures the peer connection behind a PionCall.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFrom maps the video_call section of cfg.
func ConfigFrom(cfg *config.Config) Config {
	var c Config
	if len(cfg.VideoCall.ICEServers) > 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: cfg.VideoCall.ICEServers}}
	}
	c.PortRange.Min = cfg.VideoCall.PortRangeMin
	c.PortRange.Max = cfg.VideoCall.PortRangeMax
	return c
}

// PionCall is the VideoCall of a participant with media, backed by one
// peer connection. DisableMedia and Leave may be called any number of times.
type PionCall struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	disabled bool
	left     bool

	logger *zap.SugaredLogger
}

var _ ports.VideoCall = (*PionCall)(nil)

func NewPionCall(cfg Config, logger *zap.SugaredLogger) (*PionCall, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &PionCall{pc: pc, logger: logger}, nil
}

func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	configuration := webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(configuration)
}

// PeerConnection exposes the underlying connection for media negotiation.
func (c *PionCall) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

// AddLocalTrack publishes a track on the call.
func (c *PionCall) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return nil, errors.New("call already left")
	}
	c.disabled = false
	return c.pc.AddTrack(track)
}

// DisableMedia detaches every sender's track so no camera or microphone
// data leaves the device.
func (c *PionCall) DisableMedia(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || c.left {
		return nil
	}

	var errs []error
	for _, sender := range c.pc.GetSenders() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sender.Track() == nil {
			continue
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			errs = append(errs, err)
		}
	}
	c.disabled = true
	if len(errs) > 0 {
		return fmt.Errorf("disable media: %w", errors.Join(errs...))
	}
	c.logger.Debugw("media disabled", "senders", len(c.pc.GetSenders()))
	return nil
}

// Leave closes the peer connection.
func (c *PionCall) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return nil
	}
	c.left = true
	c.disabled = true
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	c.logger.Debugw("left call")
	return nil
}

// NoopCall is the VideoCall of a viewer without media.
type NoopCall struct{}

func (NoopCall) DisableMedia(context.Context) error { return nil }
func (NoopCall) Leave(context.Context) error        { return nil }
