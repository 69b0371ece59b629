// Package inference calls the local model server that hosts the plate
// detector and the text reader. Each call is one stochastic attempt; the
// consensus package decides what to trust.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"gate-controller/internal/consensus"
	"gate-controller/internal/domain/anpr"
)

const (
	jpegQuality  = 95
	maxBodyBytes = 4 << 20
)

var ErrModelServer = errors.New("model server error")

type Client struct {
	http    *http.Client
	baseURL string
	log     zerolog.Logger
}

func NewClient(httpClient *http.Client, baseURL string, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With().Str("component", "inference").Logger(),
	}
}

// Detector returns a consensus.Detector backed by POST /detect.
func (c *Client) Detector() consensus.Detector {
	return detector{c}
}

// Reader returns a consensus.Reader backed by POST /read.
func (c *Client) Reader() consensus.Reader {
	return reader{c}
}

type detector struct{ c *Client }

type detectionWire struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

func (d detector) Detect(ctx context.Context, img image.Image) ([]consensus.Detection, error) {
	var resp struct {
		Detections []detectionWire `json:"detections"`
	}
	if err := d.c.post(ctx, "/detect", img, &resp); err != nil {
		return nil, err
	}

	out := make([]consensus.Detection, 0, len(resp.Detections))
	for _, det := range resp.Detections {
		out = append(out, consensus.Detection{
			Label:      det.Label,
			Confidence: det.Confidence,
			BBox: anpr.BoundingBox{
				X1: int(math.Floor(det.BBox[0])),
				Y1: int(math.Floor(det.BBox[1])),
				X2: int(math.Ceil(det.BBox[2])),
				Y2: int(math.Ceil(det.BBox[3])),
			},
		})
	}
	return out, nil
}

type reader struct{ c *Client }

func (r reader) Read(ctx context.Context, img image.Image) ([]consensus.Fragment, error) {
	var resp struct {
		Fragments []consensus.Fragment `json:"fragments"`
	}
	if err := r.c.post(ctx, "/read", img, &resp); err != nil {
		return nil, err
	}
	return resp.Fragments, nil
}

func (c *Client) post(ctx context.Context, path string, img image.Image, out any) error {
	var body bytes.Buffer
	if err := imaging.Encode(&body, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d: %s", ErrModelServer, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelServer, path, err)
	}
	return nil
}
