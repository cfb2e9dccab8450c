package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		data    string
		want    EventType
		wantErr bool
	}{
		{"chat", `{"type":"chat_message","id":"m1","text":"hi"}`, EventChatMessage, false},
		{"unknown type is kept", `{"type":"gift_sent","amount":3}`, EventType("gift_sent"), false},
		{"missing type", `{"text":"hi"}`, "", true},
		{"not json", `hello`, "", true},
		{"array", `[1,2]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseFrame([]byte(tt.data), now)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrMalformedFrame))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, now, ev.ReceivedAt)
			assert.JSONEq(t, tt.data, string(ev.Payload))
		})
	}
}

func TestInboundEvent_Decode(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"type":"camera_toggled","participant_id":"g1","enabled":true}`), time.Now())
	require.NoError(t, err)

	var p TogglePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, ActorID("g1"), p.ParticipantID)
	assert.True(t, p.Enabled)

	bad := InboundEvent{Type: EventViewerCount, Payload: json.RawMessage(`{"count":"many"}`)}
	var vc ViewerCountPayload
	assert.ErrorIs(t, bad.Decode(&vc), ErrMalformedFrame)
}

func TestEncodeFrame_FlatObject(t *testing.T) {
	data, err := EncodeFrame(EventViewerCount, ViewerCountPayload{Count: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"viewer_count","count":7}`, string(data))

	data, err = EncodeFrame(EventSessionState, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session_state"}`, string(data))

	_, err = EncodeFrame(EventChatMessage, "plain string")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(SessionIdle, SessionConnecting))
	assert.True(t, CanTransition(SessionConnecting, SessionActive))
	assert.True(t, CanTransition(SessionActive, SessionEnded))
	assert.True(t, CanTransition(SessionActive, SessionFailed))
	assert.False(t, CanTransition(SessionEnded, SessionActive))
	assert.False(t, CanTransition(SessionFailed, SessionConnecting))
	assert.False(t, CanTransition(SessionIdle, SessionActive))
	assert.True(t, SessionEnded.IsTerminal())
	assert.False(t, SessionActive.IsTerminal())
}

func TestErrorPayload_IsCritical(t *testing.T) {
	assert.True(t, ErrorPayload{Severity: "critical"}.IsCritical())
	assert.False(t, ErrorPayload{Severity: "warning"}.IsCritical())
	assert.False(t, ErrorPayload{}.IsCritical())
}
