package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// SessionIDRegex accepts URL-safe tokens
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ActorIDRegex validates actor ID format
	ActorIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

const (
	maxIDLength      = 128
	maxTitleLength   = 140
	maxChatRuneCount = 500
)

// ValidateSessionID validates a session identifier
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("session ID is too long (max %d characters)", maxIDLength)
	}
	if !SessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateActorID validates an actor identifier
func ValidateActorID(id string) error {
	if id == "" {
		return fmt.Errorf("actor ID is required")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("actor ID is too long (max %d characters)", maxIDLength)
	}
	if !ActorIDRegex.MatchString(id) {
		return fmt.Errorf("invalid actor ID format")
	}
	return nil
}

// ValidateRole validates a session role
func ValidateRole(role string) error {
	switch role {
	case "host", "guest", "viewer":
		return nil
	default:
		return fmt.Errorf("invalid role %q (must be host, guest, or viewer)", role)
	}
}

// ValidateTitle validates a session title
func ValidateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return fmt.Errorf("title is too long (max %d characters)", maxTitleLength)
	}
	return nil
}

// ValidateChatText validates a chat message body
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is required")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message text contains invalid characters")
	}
	if utf8.RuneCountInString(text) > maxChatRuneCount {
		return fmt.Errorf("message text is too long (max %d characters)", maxChatRuneCount)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	_, err := parseURL(urlStr, "http", "https", "ws", "wss")
	return err
}

// ValidateChannelURL accepts websocket URLs only
func ValidateChannelURL(urlStr string) error {
	_, err := parseURL(urlStr, "ws", "wss")
	return err
}

func parseURL(urlStr string, schemes ...string) (*url.URL, error) {
	if urlStr == "" {
		return nil, fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL must have a host")
	}
	return u, nil
}

// ValidateHost validates a bare host[:port] value
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if strings.Contains(host, "://") || strings.ContainsAny(host, "/?# ") {
		return fmt.Errorf("host must not contain a scheme, path, or spaces")
	}
	return nil
}
