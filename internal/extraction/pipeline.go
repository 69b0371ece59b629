package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"gate-controller/internal/consensus"
	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/metrics"
	"gate-controller/internal/utils"
)

type Stage string

const (
	StageDecoding   Stage = "decoding"
	StageDetecting  Stage = "detecting"
	StageCropping   Stage = "cropping"
	StageReading    Stage = "reading"
	StageValidating Stage = "validating"
	StageDone       Stage = "done"
)

var (
	ErrImageUndecodable   = errors.New("image undecodable")
	ErrNoPlateRegion      = errors.New("no plate region found")
	ErrNoLegibleText      = errors.New("no legible text")
	ErrPlateFormatInvalid = errors.New("plate format invalid")
)

// StageError reports where a run stopped. Error returns the user-facing reason.
type StageError struct {
	Stage  Stage
	Reason error
	Cause  error
}

func (e *StageError) Error() string {
	return e.Reason.Error()
}

func (e *StageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Cause}
}

const (
	DefaultCropMargin   = 20
	DefaultMinReadWidth = 600
)

type Config struct {
	CropMargin   int
	MinReadWidth int
	DenoiseSigma float64
	SharpenSigma float64
}

func DefaultConfig() Config {
	return Config{
		CropMargin:   DefaultCropMargin,
		MinReadWidth: DefaultMinReadWidth,
		DenoiseSigma: 0.6,
		SharpenSigma: 2.0,
	}
}

type DetectionVoter interface {
	Run(ctx context.Context, frame image.Image) (consensus.Vote[anpr.DetectionCandidate], error)
}

type ReadingVoter interface {
	Run(ctx context.Context, crop image.Image) (consensus.Vote[string], error)
}

// Pipeline runs detection consensus, crop and enhance, reading consensus and
// format validation in that order. Stages are never retried.
type Pipeline struct {
	detector DetectionVoter
	reader   ReadingVoter
	cfg      Config
	log      zerolog.Logger
}

func NewPipeline(detector DetectionVoter, reader ReadingVoter, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.CropMargin < 0 {
		cfg.CropMargin = DefaultCropMargin
	}
	if cfg.MinReadWidth <= 0 {
		cfg.MinReadWidth = DefaultMinReadWidth
	}
	return &Pipeline{
		detector: detector,
		reader:   reader,
		cfg:      cfg,
		log:      log.With().Str("component", "extraction").Logger(),
	}
}

// Extract decodes an encoded frame (JPEG or PNG) and runs ExtractFrame on it.
func (p *Pipeline) Extract(ctx context.Context, raw []byte) (*anpr.ExtractedPlate, error) {
	frame, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, p.fail(StageDecoding, ErrImageUndecodable, err)
	}
	return p.ExtractFrame(ctx, frame)
}

func (p *Pipeline) ExtractFrame(ctx context.Context, frame image.Image) (*anpr.ExtractedPlate, error) {
	start := time.Now()
	bounds := frame.Bounds()

	detection, err := p.detector.Run(ctx, frame)
	if err != nil {
		return nil, p.fail(StageDetecting, ErrNoPlateRegion, err)
	}

	region := detection.Value.BBox.Expand(p.cfg.CropMargin, bounds)
	crop := Enhance(imaging.Crop(frame, region.Rect(bounds)), p.cfg)

	p.log.Debug().
		Interface("bbox", detection.Value.BBox).
		Interface("region", region).
		Float64("confidence", detection.Confidence).
		Msg("plate region cropped")

	reading, err := p.reader.Run(ctx, PrepareForReading(crop, p.cfg.MinReadWidth))
	if err != nil {
		return nil, p.fail(StageReading, ErrNoLegibleText, err)
	}

	normalized, class, err := utils.ValidatePlate(reading.Value)
	if err != nil {
		p.log.Info().Str("raw_plate", reading.Value).Err(err).Msg("plate rejected")
		return nil, p.fail(StageValidating, ErrPlateFormatInvalid, err)
	}

	metrics.RecordExtraction(string(StageDone))
	p.log.Info().
		Str("plate", normalized).
		Str("raw_plate", reading.Value).
		Str("vehicle_class", string(class)).
		Float64("confidence", reading.Confidence).
		Dur("elapsed", time.Since(start)).
		Msg("plate extracted")

	return &anpr.ExtractedPlate{
		RawText:        reading.Value,
		NormalizedText: normalized,
		VehicleClass:   class,
		Confidence:     reading.Confidence,
		BBox:           region,
		CroppedImage:   crop,
	}, nil
}

func (p *Pipeline) fail(stage Stage, reason, cause error) error {
	metrics.RecordExtraction(string(stage))
	p.log.Warn().Str("stage", string(stage)).AnErr("cause", cause).Msg(reason.Error())
	return &StageError{Stage: stage, Reason: reason, Cause: fmt.Errorf("%s: %w", stage, cause)}
}
