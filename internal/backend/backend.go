// Package backend is the HTTP client for the remote identification service:
// credential exchange, identification submissions and the read-only
// dashboard endpoints.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/vbonduro/reunite/internal/logging"
)

var (
	// ErrUnauthorized is returned when the backend rejects credentials or a token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable is returned when the backend cannot be reached or fails
	// with a server error.
	ErrUnavailable = errors.New("backend unavailable")
)

const (
	pathLogin          = "/login"
	pathSignUp         = "/signup"
	pathStats          = "/api/stats"
	pathMissingPersons = "/missing-persons"

	// maxErrorBody bounds how much of a failed response is kept for messages.
	maxErrorBody = 4096
)

// StatusError is a non-2xx response. Message is the backend's "error" field
// when it sent one.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Unwrap maps auth failures to ErrUnauthorized and server failures to
// ErrUnavailable.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

type Client struct {
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
	tokenProbe string
}

func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{},
		logger:     logger,
		tokenProbe: pathStats,
	}
}

// WithTokenProbe sets the authenticated GET that ValidateToken calls. The
// default stats endpoint answers without a token on some deployments, so
// point this at a route that enforces auth when one exists.
func (c *Client) WithTokenProbe(path string) *Client {
	if path != "" {
		c.tokenProbe = "/" + strings.TrimLeft(path, "/")
	}
	return c
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	return c.credentials(ctx, "backend.login", pathLogin, username, password)
}

// SignUp registers a user and returns their session token.
func (c *Client) SignUp(ctx context.Context, username, password string) (string, error) {
	return c.credentials(ctx, "backend.signup", pathSignUp, username, password)
}

func (c *Client) credentials(ctx context.Context, operation, path, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var body struct {
		Token string `json:"token"`
	}
	requestID := uuid.NewString()
	err := c.do(ctx, http.MethodPost, path, requestID, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), nil, &body)
	if err != nil {
		return "", logging.NewOperationError(operation, requestID, err)
	}
	if body.Token == "" {
		return "", logging.NewOperationError(operation, requestID, errors.New("response carried no token"))
	}
	return body.Token, nil
}

// ValidateToken asks the backend whether token is still accepted. It returns
// nil, an error wrapping ErrUnauthorized, or an error wrapping ErrUnavailable.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	requestID := uuid.NewString()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	err := c.do(ctx, http.MethodGet, c.tokenProbe, requestID, "", nil, header, nil)
	return logging.NewOperationError("backend.validate_token", requestID, err)
}

// IdentifyResponse is the backend's answer to an identification submission.
// Fields holds every response field verbatim.
type IdentifyResponse struct {
	Message     string
	ImageBase64 string
	Error       string
	Fields      map[string]any
}

// Identify posts an encoded multipart body to endpoint.
func (c *Client) Identify(ctx context.Context, endpoint, contentType string, body io.Reader) (*IdentifyResponse, error) {
	requestID := uuid.NewString()
	c.logger.Debug("identify request", "endpoint", endpoint, "request_id", requestID)

	var fields map[string]any
	if err := c.do(ctx, http.MethodPost, endpoint, requestID, contentType, body, nil, &fields); err != nil {
		return nil, logging.NewOperationError("backend.identify", requestID, err)
	}

	return &IdentifyResponse{
		Message:     stringField(fields, "message"),
		ImageBase64: stringField(fields, "image_base64"),
		Error:       stringField(fields, "error"),
		Fields:      fields,
	}, nil
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

// do issues one request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path, requestID, contentType string, body io.Reader, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close backend response body", "path", path, "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := ""
	if err := json.Unmarshal(raw, &body); err == nil {
		msg = body.Error
		if msg == "" {
			msg = body.Detail
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
