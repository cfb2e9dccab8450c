package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Session actions posted to /sessions/:id/action.
const (
	ActionStart     = "start"
	ActionEnd       = "end"
	ActionHeartbeat = "heartbeat"
)

// Request and response bodies shared with the development backend.
type (
	CreateSessionRequest struct {
		OwnerID domain.ActorID `json:"owner_id"`
		Title   string         `json:"title"`
	}

	ActionRequest struct {
		Action string `json:"action"`
	}

	JoinRequest struct {
		ActorID domain.ActorID `json:"actor_id"`
		Role    domain.Role    `json:"role"`
	}

	LeaveRequest struct {
		ActorID domain.ActorID `json:"actor_id"`
	}

	PostMessageRequest struct {
		Text string `json:"text"`
	}

	SessionListResponse struct {
		Sessions []*domain.SessionRecord `json:"sessions"`
	}

	MessageListResponse struct {
		Messages []domain.ChatMessage `json:"messages"`
	}

	ErrorResponse struct {
		Error   string         `json:"error"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}
)

// SessionClient talks to the Session REST API.
type SessionClient struct {
	baseURL    string
	tokens     ports.TokenProvider
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

var _ ports.SessionAPI = (*SessionClient)(nil)

func NewSessionClient(baseURL string, tokens ports.TokenProvider, timeout time.Duration, logger *zap.SugaredLogger) *SessionClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SessionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (c *SessionClient) Create(ctx context.Context, owner domain.ActorID, title string) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	err := c.do(ctx, "create", "", http.MethodPost, "/sessions", CreateSessionRequest{OwnerID: owner, Title: title}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *SessionClient) Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	if err := c.do(ctx, "get", id, http.MethodGet, sessionPath(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *SessionClient) Start(ctx context.Context, id domain.SessionID) error {
	return c.action(ctx, id, ActionStart)
}

func (c *SessionClient) End(ctx context.Context, id domain.SessionID) error {
	return c.action(ctx, id, ActionEnd)
}

func (c *SessionClient) Heartbeat(ctx context.Context, id domain.SessionID) error {
	return c.action(ctx, id, ActionHeartbeat)
}

func (c *SessionClient) Join(ctx context.Context, id domain.SessionID, actor domain.ActorID, role domain.Role) error {
	return c.do(ctx, "join", id, http.MethodPost, sessionPath(id)+"/join", JoinRequest{ActorID: actor, Role: role}, nil)
}

func (c *SessionClient) Leave(ctx context.Context, id domain.SessionID, actor domain.ActorID) error {
	return c.do(ctx, "leave", id, http.MethodPost, sessionPath(id)+"/leave", LeaveRequest{ActorID: actor}, nil)
}

func (c *SessionClient) ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error) {
	var resp SessionListResponse
	path := "/sessions?" + url.Values{"owner": {string(owner)}}.Encode()
	if err := c.do(ctx, "list", "", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *SessionClient) MessagesSince(ctx context.Context, id domain.SessionID, after domain.MessageID) ([]domain.ChatMessage, error) {
	path := sessionPath(id) + "/messages"
	if after != "" {
		path += "?" + url.Values{"after": {string(after)}}.Encode()
	}
	var resp MessageListResponse
	if err := c.do(ctx, "messages", id, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *SessionClient) Stats(ctx context.Context, id domain.SessionID) (*domain.SessionStats, error) {
	var stats domain.SessionStats
	if err := c.do(ctx, "stats", id, http.MethodGet, sessionPath(id)+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *SessionClient) action(ctx context.Context, id domain.SessionID, action string) error {
	return c.do(ctx, action, id, http.MethodPost, sessionPath(id)+"/action", ActionRequest{Action: action}, nil)
}

func sessionPath(id domain.SessionID) string {
	return "/sessions/" + url.PathEscape(string(id))
}

// do sends one request and decodes a 2xx body into out when out is not nil.
func (c *SessionClient) do(ctx context.Context, op string, id domain.SessionID, method, path string, body, out any) error {
	ctx, span := tracing.TraceSessionCall(ctx, op, string(id))
	defer span.End()
	start := time.Now()

	err := c.roundTrip(ctx, id, method, path, body, out)

	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", apiPrefix+path))
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Debugw("session api call failed",
			"operation", op,
			"session_id", id,
			"duration", time.Since(start),
			"error", err,
		)
	}
	return err
}

func (c *SessionClient) roundTrip(ctx context.Context, id domain.SessionID, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInvalidPayload, "encode request", http.StatusBadRequest)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "build request", http.StatusBadRequest)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperrors.NewTransientError(err, "obtain api token")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperrors.NewTransientError(err, fmt.Sprintf("%s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp, id)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidPayload, "decode response", http.StatusBadGateway)
	}
	return nil
}

// decodeError maps a non-2xx answer onto the error taxonomy. Session
// existence answers wrap the domain sentinels so errors.Is keeps working
// across the wire.
func decodeError(resp *http.Response, id domain.SessionID) error {
	var body ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	code := apperrors.ErrorCode(body.Error)

	switch {
	case code == apperrors.ErrCodeSessionNotLive:
		return apperrors.NewSessionNotLiveError(domain.ErrSessionNotLive, string(id))
	case code == apperrors.ErrCodeSessionNotFound,
		resp.StatusCode == http.StatusNotFound && id != "":
		return apperrors.NewSessionNotFoundError(domain.ErrSessionNotFound, string(id))
	}
	return apperrors.FromHTTPStatus(resp.StatusCode, code, body.Message)
}
