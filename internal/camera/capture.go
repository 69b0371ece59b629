// Package camera talks to the gate's network camera: single-shot JPEG
// captures and the MJPEG preview stream.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrCapture    = errors.New("camera capture failed")
	ErrNotMJPEG   = errors.New("camera stream is not multipart mjpeg")
	ErrEmptyFrame = errors.New("empty frame")
	ErrFrameSize  = errors.New("frame exceeds size limit")
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 500 * time.Millisecond

	maxFrameBytes = 8 << 20
)

type Options struct {
	Attempts   int
	RetryDelay time.Duration
}

type Client struct {
	http     *http.Client
	attempts int
	delay    time.Duration
	log      zerolog.Logger
}

func NewClient(httpClient *http.Client, opts Options, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Client{
		http:     httpClient,
		attempts: opts.Attempts,
		delay:    opts.RetryDelay,
		log:      log.With().Str("component", "camera").Logger(),
	}
}

// Capture fetches one frame from url, retrying transport failures and
// non-200 responses up to the configured number of attempts.
func (c *Client) Capture(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		frame, err := c.fetch(ctx, url)
		if err == nil {
			c.log.Debug().Str("url", url).Int("attempt", attempt).Int("bytes", len(frame)).Msg("frame captured")
			return frame, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.log.Warn().Err(err).Str("url", url).Int("attempt", attempt).Msg("capture attempt failed")

		if attempt == c.attempts {
			break
		}
		timer := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %d attempts: %w", ErrCapture, c.attempts, lastErr)
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return readFrame(resp.Body, maxFrameBytes)
}

// readFrame reads one whole frame of at most limit bytes.
func readFrame(r io.Reader, limit int64) ([]byte, error) {
	frame, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(frame)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFrameSize, limit)
	}
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	return frame, nil
}
