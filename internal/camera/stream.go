package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
)

// FrameSource yields encoded frames until it is closed or exhausted.
type FrameSource interface {
	Next() ([]byte, error)
	Close() error
}

type mjpegSource struct {
	body   io.ReadCloser
	parts  *multipart.Reader
	closer sync.Once
	err    error
}

// OpenStream starts an MJPEG stream. Cancelling ctx unblocks a pending Next.
func (c *Client) OpenStream(ctx context.Context, url string) (FrameSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %q", ErrNotMJPEG, resp.Header.Get("Content-Type"))
	}

	return &mjpegSource{
		body:  resp.Body,
		parts: multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

func (s *mjpegSource) Next() ([]byte, error) {
	part, err := s.parts.NextPart()
	if err != nil {
		return nil, err
	}
	defer part.Close()

	return readFrame(part, maxFrameBytes)
}

func (s *mjpegSource) Close() error {
	s.closer.Do(func() { s.err = s.body.Close() })
	return s.err
}

// RunStream forwards frames from src to onFrame until ctx is done or the
// source ends. The stop signal is checked before every frame and src is
// closed exactly once on return. Empty and oversized frames are skipped.
func RunStream(ctx context.Context, src FrameSource, onFrame func([]byte)) error {
	defer src.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := src.Next()
		switch {
		case err == nil:
		case errors.Is(err, ErrEmptyFrame), errors.Is(err, ErrFrameSize):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("read frame: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		onFrame(frame)
	}
}

// Stream opens url and runs it until ctx is done.
func (c *Client) Stream(ctx context.Context, url string, onFrame func([]byte)) error {
	src, err := c.OpenStream(ctx, url)
	if err != nil {
		return err
	}
	c.log.Info().Str("url", url).Msg("camera stream opened")
	err = RunStream(ctx, src, onFrame)
	c.log.Info().Err(err).Str("url", url).Msg("camera stream closed")
	return err
}
