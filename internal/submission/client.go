package submission

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vbonduro/reunite/internal/backend"
	"github.com/vbonduro/reunite/internal/datauri"
	"github.com/vbonduro/reunite/internal/domain"
	"github.com/vbonduro/reunite/internal/imagesource"
)

// ErrPending is returned by Submit while another submission from the same
// client is in flight.
var ErrPending = errors.New("submission already in progress")

// TimeoutReason is the failure reason for a submission that exceeded its bound.
const TimeoutReason = "timeout"

// Transport is the subset of backend.Client the submission client requires.
type Transport interface {
	Identify(ctx context.Context, endpoint, contentType string, body io.Reader) (*backend.IdentifyResponse, error)
}

// Client sends at most one submission at a time. Create one per draft.
type Client struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
	pending   atomic.Bool
}

// NewClient returns a Client. A zero timeout leaves requests unbounded.
func NewClient(transport Transport, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		transport: transport,
		timeout:   timeout,
		logger:    logger,
	}
}

// Pending reports whether a submission is in flight.
func (c *Client) Pending() bool {
	return c.pending.Load()
}

// Submit sends p to endpoint and waits for exactly one outcome. Transport and
// server faults are returned as a Failure result, never as an error; the only
// error is ErrPending, in which case no request was issued.
func (c *Client) Submit(ctx context.Context, p *Payload, endpoint string) (domain.Result, error) {
	if !c.pending.CompareAndSwap(false, true) {
		return domain.Result{}, ErrPending
	}
	defer c.pending.Store(false)

	contentType, body, err := p.Encode()
	if err != nil {
		c.logger.Error("encode submission failed", "endpoint", endpoint, "error", err)
		return domain.Failure(p.FailureReason), nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.transport.Identify(ctx, endpoint, contentType, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("submission failed", "endpoint", endpoint,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return failureFor(err, p.FailureReason), nil
	}
	c.logger.Info("submission settled", "endpoint", endpoint,
		"duration_ms", time.Since(start).Milliseconds(), "bytes", len(body))

	if resp.Error != "" {
		result := domain.Failure(resp.Error)
		result.Fields = resp.Fields
		return result, nil
	}

	result := domain.Success(resp.Message, c.matchedImage(resp.ImageBase64))
	result.Fields = resp.Fields
	return result, nil
}

func failureFor(err error, fallback string) domain.Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Failure(TimeoutReason)
	}
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return domain.Failure(statusErr.Message)
	}
	return domain.Failure(fallback)
}

// matchedImage decodes the preview the backend returned. An undecodable
// preview is dropped rather than failing the submission.
func (c *Client) matchedImage(encoded string) *domain.Blob {
	if encoded == "" {
		return nil
	}

	if strings.HasPrefix(encoded, "data:") {
		blob, err := datauri.Normalize(encoded)
		if err != nil {
			c.logger.Warn("dropping undecodable matched image", "error", err)
			return nil
		}
		blob.Filename = "match"
		return &blob
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.logger.Warn("dropping undecodable matched image", "error", err)
		return nil
	}
	mimeType, ok := imagesource.DetectMIME(data)
	if !ok {
		mimeType = "image/jpeg"
	}
	return &domain.Blob{Filename: "match", MIMEType: mimeType, Data: data}
}
