package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "roomsync.rocketchat"

	// DefaultTimeout bounds every call into Rocket.Chat
	DefaultTimeout = 10 * time.Second

	timeFormat = "2006-01-02T15:04:05.000Z"
)

var (
	// ErrNotConfigured is returned when the client lacks a base URL or credentials
	ErrNotConfigured = errors.New("rocket.chat client not configured")
	// ErrRequestFailed is matched by every *APIError
	ErrRequestFailed = errors.New("rocket.chat request failed")
)

// APIError is a non-success answer from Rocket.Chat
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rocket.chat %s failed (status %d)", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("rocket.chat %s failed (status %d): %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRequestFailed
}

// Credentials of the technical user every call is made as
type Credentials struct {
	UserID    string
	AuthToken string
	// Username is the technical user's name; system messages are purged by author name.
	Username string
}

// Client implements assignment.RoomClient against the Rocket.Chat REST API.
// All rooms are private groups.
type Client struct {
	baseURL     string
	credentials Credentials
	httpClient  *http.Client
}

// Option is a functional option for configuring the Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// New creates a client for the Rocket.Chat server at baseURL, e.g. "https://chat.example.org"
func New(baseURL string, credentials Credentials, opts ...Option) (*Client, error) {
	if baseURL == "" || credentials.UserID == "" || credentials.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid rocket.chat url: %w", err)
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/") + "/api/v1",
		credentials: credentials,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (r *statusResponse) status() *statusResponse { return r }

type response interface {
	status() *statusResponse
}

// AddMember invites principalID into the group roomID
func (c *Client) AddMember(ctx context.Context, principalID, roomID string) error {
	body := map[string]string{"roomId": roomID, "userId": principalID}
	return c.call(ctx, http.MethodPost, "groups.invite", nil, body, &statusResponse{})
}

// RemoveMember kicks principalID out of the group roomID
func (c *Client) RemoveMember(ctx context.Context, principalID, roomID string) error {
	body := map[string]string{"roomId": roomID, "userId": principalID}
	return c.call(ctx, http.MethodPost, "groups.kick", nil, body, &statusResponse{})
}

type membersResponse struct {
	statusResponse
	Members []struct {
		ID       string `json:"_id"`
		Username string `json:"username"`
	} `json:"members"`
}

// ListMembers returns the user ids of every member of roomID
func (c *Client) ListMembers(ctx context.Context, roomID string) ([]string, error) {
	// count=0 asks Rocket.Chat for the whole member list
	query := url.Values{"roomId": {roomID}, "count": {"0"}}
	var resp membersResponse
	if err := c.call(ctx, http.MethodGet, "groups.members", query, nil, &resp); err != nil {
		return nil, err
	}

	members := make([]string, 0, len(resp.Members))
	for _, m := range resp.Members {
		members = append(members, m.ID)
	}
	return members, nil
}

type createResponse struct {
	statusResponse
	Group struct {
		ID string `json:"_id"`
	} `json:"group"`
}

// CreateRoom creates an empty private group and returns its id
func (c *Client) CreateRoom(ctx context.Context, name string) (string, error) {
	body := map[string]interface{}{"name": name, "members": []string{}}
	var resp createResponse
	if err := c.call(ctx, http.MethodPost, "groups.create", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Group.ID == "" {
		return "", &APIError{Endpoint: "groups.create", StatusCode: http.StatusOK, Message: "no group id in response"}
	}
	return resp.Group.ID, nil
}

// DeleteRoom deletes the private group roomID
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	body := map[string]string{"roomId": roomID}
	return c.call(ctx, http.MethodPost, "groups.delete", nil, body, &statusResponse{})
}

// PurgeSystemMessages removes the messages the technical user wrote into roomID since the given time
func (c *Client) PurgeSystemMessages(ctx context.Context, roomID string, since time.Time) error {
	body := map[string]interface{}{
		"roomId": roomID,
		"oldest": since.UTC().Format(timeFormat),
		"latest": time.Now().UTC().Format(timeFormat),
		"users":  []string{c.credentials.Username},
	}
	return c.call(ctx, http.MethodPost, "rooms.cleanHistory", nil, body, &statusResponse{})
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, body interface{}, out response) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, endpoint,
		attribute.String("http.method", method))
	start := time.Now()
	defer func() {
		observability.RecordExternalCall(endpoint, time.Since(start), err == nil)
		tracing.FailSpan(span, err)
		span.End()
	}()

	target := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Auth-Token", c.credentials.AuthToken)
	req.Header.Set("X-User-Id", c.credentials.UserID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call rocket.chat %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read rocket.chat %s response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var status statusResponse
		_ = json.Unmarshal(data, &status)
		message := status.Error
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: message}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode rocket.chat %s response: %w", endpoint, err)
	}
	if !out.status().Success {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: out.status().Error}
	}

	log.Debug().Str("endpoint", endpoint).Dur("duration", time.Since(start)).Msg("Rocket.Chat call succeeded")
	return nil
}
