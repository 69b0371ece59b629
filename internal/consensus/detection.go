package consensus

import (
	"context"
	"errors"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"gate-controller/internal/domain/anpr"
)

const (
	DefaultDetectionAttempts = 5
	DefaultCenterTolerance   = 20.0
	DefaultPlateLabel        = "License_Plate"
)

var ErrNoDetection = errors.New("no matching detection")

// Detection is one box reported by a single detector invocation.
type Detection struct {
	Label      string           `json:"label"`
	BBox       anpr.BoundingBox `json:"bbox"`
	Confidence float64          `json:"confidence"`
}

type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

type DetectionOptions struct {
	Options
	Label           string
	MinConfidence   float64
	CenterTolerance float64
}

// DetectionRule groups boxes whose centers lie within tolerance pixels of the
// group representative and weights each candidate by its confidence.
func DetectionRule(tolerance float64) Rule[anpr.DetectionCandidate] {
	return Rule[anpr.DetectionCandidate]{
		Similar: func(a, b anpr.DetectionCandidate) bool {
			return a.BBox.CenterDistance(b.BBox) <= tolerance
		},
		Weight: func(c Candidate[anpr.DetectionCandidate]) float64 {
			return c.Confidence
		},
		Pick: func(g Group[anpr.DetectionCandidate]) (anpr.DetectionCandidate, float64) {
			best := g.Best()
			return best.Value, best.Confidence
		},
	}
}

// DetectAttempt keeps the single highest-confidence box carrying label.
// Inverted or empty boxes and boxes lying outside the image are dropped; the
// rest are clamped to the image.
func DetectAttempt(d Detector, label string, minConfidence float64) Attempt[image.Image, anpr.DetectionCandidate] {
	return func(ctx context.Context, img image.Image) Result[anpr.DetectionCandidate] {
		if img == nil {
			return Failed[anpr.DetectionCandidate](ErrEmptyResult)
		}
		detections, err := d.Detect(ctx, img)
		if err != nil {
			return Failed[anpr.DetectionCandidate](err)
		}

		var (
			best  anpr.DetectionCandidate
			found bool
		)
		bounds := img.Bounds()
		frame := image.Rect(0, 0, bounds.Dx(), bounds.Dy())
		for _, det := range detections {
			if det.Label != label || det.Confidence < minConfidence {
				continue
			}
			b := det.BBox
			if !b.Valid() || !image.Rect(b.X1, b.Y1, b.X2, b.Y2).Overlaps(frame) {
				continue
			}
			if !found || det.Confidence > best.Confidence {
				best = anpr.DetectionCandidate{BBox: b.Clamp(bounds), Confidence: det.Confidence}
				found = true
			}
		}
		if !found {
			return Failed[anpr.DetectionCandidate](ErrNoDetection)
		}
		return Found(best, best.Confidence)
	}
}

func CloneImage(img image.Image) image.Image {
	if img == nil {
		return nil
	}
	return imaging.Clone(img)
}

func NewDetectionVoter(d Detector, opts DetectionOptions, log zerolog.Logger) *Voter[image.Image, anpr.DetectionCandidate] {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultDetectionAttempts
	}
	if opts.Label == "" {
		opts.Label = DefaultPlateLabel
	}
	if opts.CenterTolerance <= 0 {
		opts.CenterTolerance = DefaultCenterTolerance
	}
	return NewVoter(
		"detection",
		opts.Options,
		DetectAttempt(d, opts.Label, opts.MinConfidence),
		CloneImage,
		DetectionRule(opts.CenterTolerance),
		log,
	)
}
