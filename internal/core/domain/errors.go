package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotLive    = errors.New("session not live")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNotConnected      = errors.New("channel not connected")
	ErrPermanentFailure  = errors.New("channel permanently failed")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrSessionClosed     = errors.New("session closed")
)
