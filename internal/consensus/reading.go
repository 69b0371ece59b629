package consensus

import (
	"context"
	"errors"
	"image"
	"strings"

	"github.com/rs/zerolog"
)

const DefaultReadingAttempts = 3

var ErrNoText = errors.New("no text fragments")

// Fragment is one piece of text returned by a single reader invocation.
type Fragment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type Reader interface {
	Read(ctx context.Context, img image.Image) ([]Fragment, error)
}

type ReadingOptions struct {
	Options
	MinFragmentConfidence float64
}

// ReadingRule votes by verbatim agreement after trimming. The most frequent
// string wins and reports the average confidence of the attempts that agree.
func ReadingRule() Rule[string] {
	return Rule[string]{
		Similar: func(a, b string) bool {
			return strings.TrimSpace(a) == strings.TrimSpace(b)
		},
		Weight: func(Candidate[string]) float64 {
			return 1
		},
		Pick: func(g Group[string]) (string, float64) {
			sum := 0.0
			for _, m := range g.Members {
				sum += m.Confidence
			}
			return strings.TrimSpace(g.Representative().Value), sum / float64(len(g.Members))
		},
	}
}

// ReadAttempt joins the fragments of one call with a single space and averages
// their confidences.
func ReadAttempt(r Reader, minFragmentConfidence float64) Attempt[image.Image, string] {
	return func(ctx context.Context, img image.Image) Result[string] {
		if img == nil {
			return Failed[string](ErrEmptyResult)
		}
		fragments, err := r.Read(ctx, img)
		if err != nil {
			return Failed[string](err)
		}

		texts := make([]string, 0, len(fragments))
		sum := 0.0
		for _, f := range fragments {
			text := strings.TrimSpace(f.Text)
			if text == "" || f.Confidence < minFragmentConfidence {
				continue
			}
			texts = append(texts, text)
			sum += f.Confidence
		}
		if len(texts) == 0 {
			return Failed[string](ErrNoText)
		}

		return Found(strings.Join(texts, " "), sum/float64(len(texts)))
	}
}

func NewReadingVoter(r Reader, opts ReadingOptions, log zerolog.Logger) *Voter[image.Image, string] {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultReadingAttempts
	}
	return NewVoter(
		"reading",
		opts.Options,
		ReadAttempt(r, opts.MinFragmentConfidence),
		CloneImage,
		ReadingRule(),
		log,
	)
}
