// Package snapshot is a still-frame camera backed by an HTTP snapshot URL,
// as exposed by most IP cameras and webcam bridges.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vbonduro/reunite/internal/datauri"
	"github.com/vbonduro/reunite/internal/domain"
	"github.com/vbonduro/reunite/internal/imagesource"
)

const maxFrameSize = 20 * 1024 * 1024 // 20 MB

// ErrFrameTooLarge is returned for a frame over the size limit.
var ErrFrameTooLarge = errors.New("camera frame too large")

type Camera struct {
	url      string
	client   *http.Client
	logger   *slog.Logger
	maxFrame int64

	mu     sync.Mutex
	ready  bool
	closed bool
}

func New(url string, logger *slog.Logger) *Camera {
	return &Camera{
		url:      url,
		client:   &http.Client{},
		logger:   logger,
		maxFrame: maxFrameSize,
	}
}

// Open establishes the stream by fetching one frame. Screenshot returns no
// frame until the stream is ready.
func (c *Camera) Open(ctx context.Context) error {
	if _, err := c.fetch(ctx); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	c.mu.Lock()
	c.ready = true
	c.closed = false
	c.mu.Unlock()
	c.logger.Info("camera stream ready", "url", c.url)
	return nil
}

// Close marks the stream as stopped. Screenshot yields no frames until the
// next explicit Open.
func (c *Camera) Close() {
	c.mu.Lock()
	c.ready = false
	c.closed = true
	c.mu.Unlock()
}

// Screenshot implements imagesource.Camera. A stream that is not ready yet is
// opened on demand; if that fails the call yields no frame.
func (c *Camera) Screenshot(ctx context.Context) (string, error) {
	c.mu.Lock()
	ready, closed := c.ready, c.closed
	c.mu.Unlock()
	if closed {
		return "", nil
	}

	blob, err := c.fetch(ctx)
	if err != nil {
		if !ready {
			c.logger.Warn("camera still unavailable", "url", c.url, "error", err)
			return "", nil
		}
		return "", err
	}
	if !ready {
		c.mu.Lock()
		c.ready = !c.closed
		c.mu.Unlock()
		c.logger.Info("camera stream ready", "url", c.url)
	}
	return datauri.Encode(blob), nil
}

func (c *Camera) fetch(ctx context.Context) (domain.Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("failed to call camera: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close camera response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return domain.Blob{}, fmt.Errorf("camera returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxFrame+1))
	if err != nil {
		return domain.Blob{}, fmt.Errorf("failed to read frame: %w", err)
	}
	if int64(len(data)) > c.maxFrame {
		return domain.Blob{}, fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, c.maxFrame)
	}

	mimeType, ok := imagesource.DetectMIME(data)
	if !ok {
		return domain.Blob{}, fmt.Errorf("camera returned a non-image frame")
	}
	return domain.Blob{MIMEType: mimeType, Data: data}, nil
}
