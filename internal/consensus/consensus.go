// Package consensus turns K independent, noisy inference attempts over the same
// input into one trusted answer.
//
// A Voter launches the attempts concurrently on private copies of the input,
// collects every result in completion order, groups valid candidates with a
// single greedy pass against each group's first member and selects the group
// with the highest aggregate weight. Ties between groups go to the group formed
// first; the winning value inside a group is chosen by the Rule's Pick function.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gate-controller/internal/metrics"
)

var (
	ErrNoConsensus  = errors.New("no consensus candidates")
	ErrEmptyResult  = errors.New("attempt returned no value")
	ErrAttemptPanic = errors.New("attempt panicked")
)

// Result is the outcome of one inference attempt. Value is meaningful only when Valid.
type Result[T any] struct {
	Value      T
	Valid      bool
	Confidence float64
	Err        error
}

func Found[T any](value T, confidence float64) Result[T] {
	return Result[T]{Value: value, Valid: true, Confidence: confidence}
}

func Failed[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Attempt runs a single inference call. It owns in and must report every failure
// through the returned Result.
type Attempt[In, T any] func(ctx context.Context, in In) Result[T]

type Candidate[T any] struct {
	Value      T
	Confidence float64
	// Order is the candidate's position in completion order.
	Order int
}

// Group is a non-empty set of candidates judged to be the same answer.
type Group[T any] struct {
	Members   []Candidate[T]
	Aggregate float64
}

func (g Group[T]) Representative() Candidate[T] {
	return g.Members[0]
}

// Best returns the member with the highest confidence, first seen on ties.
func (g Group[T]) Best() Candidate[T] {
	best := g.Members[0]
	for _, m := range g.Members[1:] {
		if m.Confidence > best.Confidence {
			best = m
		}
	}
	return best
}

// Rule describes how candidates are grouped and how a winner is chosen.
type Rule[T any] struct {
	Similar func(a, b T) bool
	Weight  func(c Candidate[T]) float64
	Pick    func(g Group[T]) (T, float64)
}

type Vote[T any] struct {
	Value      T
	Confidence float64
	Support    int
	Valid      int
	Total      int
	Groups     int
}

// Tally applies rule to results given in completion order.
func Tally[T any](rule Rule[T], results []Result[T]) (Vote[T], error) {
	var groups []Group[T]
	valid := 0

	for _, r := range results {
		if !r.Valid || r.Err != nil {
			continue
		}
		c := Candidate[T]{Value: r.Value, Confidence: r.Confidence, Order: valid}
		valid++

		joined := false
		for i := range groups {
			if rule.Similar(groups[i].Representative().Value, c.Value) {
				groups[i].Members = append(groups[i].Members, c)
				groups[i].Aggregate += rule.Weight(c)
				joined = true
				break
			}
		}
		if !joined {
			groups = append(groups, Group[T]{Members: []Candidate[T]{c}, Aggregate: rule.Weight(c)})
		}
	}

	if len(groups) == 0 {
		return Vote[T]{Total: len(results)}, ErrNoConsensus
	}

	winner := 0
	for i := 1; i < len(groups); i++ {
		if groups[i].Aggregate > groups[winner].Aggregate {
			winner = i
		}
	}

	value, confidence := rule.Pick(groups[winner])
	return Vote[T]{
		Value:      value,
		Confidence: confidence,
		Support:    len(groups[winner].Members),
		Valid:      valid,
		Total:      len(results),
		Groups:     len(groups),
	}, nil
}

type Options struct {
	Attempts int
	// Workers bounds how many attempts run at once. Zero means Attempts.
	Workers int
}

// Voter runs one consensus round per call to Run. It is safe for concurrent use.
type Voter[In, T any] struct {
	name     string
	attempts int
	workers  int
	attempt  Attempt[In, T]
	clone    func(In) In
	rule     Rule[T]
	log      zerolog.Logger
}

func NewVoter[In, T any](name string, opts Options, attempt Attempt[In, T], clone func(In) In, rule Rule[T], log zerolog.Logger) *Voter[In, T] {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	workers := opts.Workers
	if workers <= 0 || workers > attempts {
		workers = attempts
	}
	return &Voter[In, T]{
		name:     name,
		attempts: attempts,
		workers:  workers,
		attempt:  attempt,
		clone:    clone,
		rule:     rule,
		log:      log.With().Str("voter", name).Logger(),
	}
}

func (v *Voter[In, T]) Attempts() int {
	return v.attempts
}

// Run waits for all attempts before tallying; no partial-result short-circuiting.
func (v *Voter[In, T]) Run(ctx context.Context, in In) (Vote[T], error) {
	completed := make(chan Result[T], v.attempts)

	var g errgroup.Group
	g.SetLimit(v.workers)
	for i := range v.attempts {
		private := v.clone(in)
		g.Go(func() error {
			completed <- v.run(ctx, i, private)
			return nil
		})
	}
	_ = g.Wait()
	close(completed)

	results := make([]Result[T], 0, v.attempts)
	for r := range completed {
		results = append(results, r)
	}

	vote, err := Tally(v.rule, results)
	if err != nil {
		metrics.RecordConsensus(v.name, metrics.OutcomeNoConsensus)
		v.log.Warn().Int("attempts", v.attempts).Msg("no valid attempts")
		return vote, fmt.Errorf("%s: %w", v.name, err)
	}

	metrics.RecordConsensus(v.name, metrics.OutcomeAgreed)
	v.log.Info().
		Int("support", vote.Support).
		Int("valid", vote.Valid).
		Int("attempts", vote.Total).
		Int("groups", vote.Groups).
		Float64("confidence", vote.Confidence).
		Msg("consensus reached")

	return vote, nil
}

func (v *Voter[In, T]) run(ctx context.Context, i int, in In) (res Result[T]) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Failed[T](fmt.Errorf("%w: %v", ErrAttemptPanic, r))
		}
		valid := res.Valid && res.Err == nil
		metrics.ObserveAttempt(v.name, time.Since(start), valid)
		ev := v.log.Debug().Int("attempt", i).Bool("valid", valid).Float64("confidence", res.Confidence)
		if res.Err != nil {
			ev = ev.AnErr("reason", res.Err)
		}
		ev.Msg("attempt finished")
	}()

	return v.attempt(ctx, in)
}
