package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventSessionState        EventType = "session_state"
	EventParticipantRemoved  EventType = "participant_removed"
	EventParticipantsUpdated EventType = "participants_updated"
	EventChatMessage         EventType = "chat_message"
	EventCameraToggled       EventType = "camera_toggled"
	EventMicrophoneToggled   EventType = "microphone_toggled"
	EventGuestInvitation     EventType = "guest_invitation"
	EventViewerCount         EventType = "viewer_count"
	EventError               EventType = "error"

	// AnyEvent subscribes a handler to every inbound frame.
	AnyEvent EventType = "*"
)

const SeverityCritical = "critical"

// InboundEvent is one frame received on the channel. Payload holds the whole
// frame object, type field included.
type InboundEvent struct {
	Type       EventType
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the frame fields into v.
func (e InboundEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, e.Type, err)
	}
	return nil
}

// ParseFrame reads a wire frame. The type field is the only dispatch key and
// must be present.
func ParseFrame(data []byte, now time.Time) (InboundEvent, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	payload := make(json.RawMessage, len(data))
	copy(payload, data)
	return InboundEvent{Type: head.Type, Payload: payload, ReceivedAt: now}, nil
}

// EncodeFrame renders payload as a flat frame object carrying the type field.
func EncodeFrame(t EventType, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("frame payload must be an object: %w", err)
		}
	}
	typ, _ := json.Marshal(t)
	fields["type"] = typ
	return json.Marshal(fields)
}

// NewEvent builds an InboundEvent from a typed payload.
func NewEvent(t EventType, payload any, now time.Time) (InboundEvent, error) {
	data, err := EncodeFrame(t, payload)
	if err != nil {
		return InboundEvent{}, err
	}
	return InboundEvent{Type: t, Payload: data, ReceivedAt: now}, nil
}

type ChatMessage struct {
	ID        MessageID `json:"id"`
	SessionID SessionID `json:"session_id"`
	SenderID  ActorID   `json:"sender_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

type SessionStatePayload struct {
	SessionID SessionID    `json:"session_id,omitempty"`
	State     SessionState `json:"state"`
}

type ParticipantRemovedPayload struct {
	ParticipantID ActorID `json:"participant_id"`
	Reason        string  `json:"reason,omitempty"`
}

type ParticipantsPayload struct {
	Participants []Participant `json:"participants"`
}

type TogglePayload struct {
	ParticipantID ActorID `json:"participant_id"`
	Enabled       bool    `json:"enabled"`
}

type GuestInvitationPayload struct {
	InviteID string  `json:"invite_id"`
	FromID   ActorID `json:"from_id"`
	ToID     ActorID `json:"to_id"`
}

type ViewerCountPayload struct {
	Count int `json:"count"`
}

type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (p ErrorPayload) IsCritical() bool {
	return p.Severity == SeverityCritical
}

// MessagesAfter returns up to limit messages following after in log, or the
// most recent limit messages when after is empty or no longer in log.
func MessagesAfter(log []ChatMessage, after MessageID, limit int) []ChatMessage {
	start := -1
	if after != "" {
		for i := len(log) - 1; i >= 0; i-- {
			if log[i].ID == after {
				start = i + 1
				break
			}
		}
	}
	if start < 0 {
		start = 0
		if limit > 0 && len(log) > limit {
			start = len(log) - limit
		}
	}

	out := log[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]ChatMessage{}, out...)
}
