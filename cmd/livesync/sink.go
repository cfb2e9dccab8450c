package main

import (
	"fmt"
	"io"
	"strings"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	apperrors "livesync/pkg/errors"

	"go.uber.org/zap"
)

// consoleSink renders session events as terminal lines. The batcher
// serialises calls, so no locking is needed here.
type consoleSink struct {
	out io.Writer
	log *zap.SugaredLogger
}

var _ ports.EventSink = (*consoleSink)(nil)

func newConsoleSink(out io.Writer, log *zap.SugaredLogger) *consoleSink {
	return &consoleSink{out: out, log: log}
}

func (s *consoleSink) OnEvent(ev domain.InboundEvent) {
	line, err := describe(ev)
	if err != nil {
		s.log.Debugw("undecodable event", "type", ev.Type, "error", err)
		return
	}
	if line != "" {
		fmt.Fprintln(s.out, line)
	}
}

func (s *consoleSink) OnError(err error) {
	s.log.Warnw("session error", "error", err)
	fmt.Fprintf(s.out, "! %v\n", err)
	if apperrors.IsExhausted(err) {
		fmt.Fprintln(s.out, "* live updates paused, type /reconnect to retry")
	}
}

func (s *consoleSink) OnStateChange(state domain.SessionState) {
	s.log.Infow("session state changed", "state", state)
	fmt.Fprintf(s.out, "* session %s\n", state)
}

func describe(ev domain.InboundEvent) (string, error) {
	switch ev.Type {
	case domain.EventChatMessage:
		var msg domain.ChatMessage
		if err := ev.Decode(&msg); err != nil {
			return "", err
		}
		return fmt.Sprintf("<%s> %s", msg.SenderID, msg.Text), nil

	case domain.EventViewerCount:
		var p domain.ViewerCountPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		return fmt.Sprintf("* %d watching", p.Count), nil

	case domain.EventParticipantsUpdated:
		var p domain.ParticipantsPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		names := make([]string, 0, len(p.Participants))
		for _, part := range p.Participants {
			names = append(names, fmt.Sprintf("%s (%s)", part.ID, part.Kind))
		}
		return "* participants: " + strings.Join(names, ", "), nil

	case domain.EventParticipantRemoved:
		var p domain.ParticipantRemovedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		if p.Reason != "" {
			return fmt.Sprintf("* %s was removed: %s", p.ParticipantID, p.Reason), nil
		}
		return fmt.Sprintf("* %s was removed", p.ParticipantID), nil

	case domain.EventCameraToggled, domain.EventMicrophoneToggled:
		var p domain.TogglePayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		device := "camera"
		if ev.Type == domain.EventMicrophoneToggled {
			device = "microphone"
		}
		return fmt.Sprintf("* %s turned %s %s", p.ParticipantID, device, onOff(p.Enabled)), nil

	case domain.EventGuestInvitation:
		var p domain.GuestInvitationPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		return fmt.Sprintf("* %s invited %s on stage", p.FromID, p.ToID), nil

	case domain.EventError:
		var p domain.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		return fmt.Sprintf("! %s: %s", p.Code, p.Message), nil
	}
	// session_state is reported through OnStateChange
	return "", nil
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
