// Package worker runs named classes of background jobs. Start keeps at most one
// job per class registered: it cancels and deregisters any older job of the
// same class first. Spawn runs jobs side by side. Each job's completion
// callback fires at most once, and never for a job that was cancelled or
// superseded.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gate-controller/internal/metrics"
)

type Class string

const (
	ClassCapture Class = "capture"
	ClassExtract Class = "extract"
	ClassVerify  Class = "verify"
	ClassStream  Class = "stream"
	ClassAdmin   Class = "admin"
)

const DefaultCleanupDelay = 50 * time.Millisecond

var (
	ErrPanic    = errors.New("job panicked")
	ErrShutdown = errors.New("worker manager shut down")
)

// Job is one unit of background work. It must return promptly once ctx is done.
type Job func(ctx context.Context) (any, error)

// Callbacks receive a job's outcome. Success and failure are separate channels.
type Callbacks struct {
	OnSuccess func(value any)
	OnFailure func(err error)
}

// Executor runs a delivery function. The default runs it on the job's own goroutine.
type Executor func(deliver func())

type Handle struct {
	ID    uuid.UUID
	Class Class

	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the job without delivering its outcome.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the job function has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type entry struct {
	handle *Handle

	mu        sync.Mutex
	cancelled bool
	fired     bool
}

// claim reports whether the caller may deliver the outcome. It succeeds once,
// and only if the job was not cancelled first.
func (e *entry) claim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.fired {
		return false
	}
	e.fired = true
	return true
}

// revoke marks the entry cancelled. It returns false when delivery already happened.
func (e *entry) revoke() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired {
		return false
	}
	e.cancelled = true
	return true
}

type Options struct {
	CleanupDelay time.Duration
	Executor     Executor
}

type Manager struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*entry
	closed bool

	wg           sync.WaitGroup
	cleanupDelay time.Duration
	exec         Executor
	log          zerolog.Logger
}

func NewManager(opts Options, log zerolog.Logger) *Manager {
	if opts.CleanupDelay < 0 {
		opts.CleanupDelay = 0
	}
	if opts.Executor == nil {
		opts.Executor = func(deliver func()) { deliver() }
	}
	return &Manager{
		jobs:         make(map[uuid.UUID]*entry),
		cleanupDelay: opts.CleanupDelay,
		exec:         opts.Executor,
		log:          log.With().Str("component", "worker").Logger(),
	}
}

// Start supersedes every registered job of class, then registers and starts job.
// Superseded jobs are cancelled before Start returns and never deliver.
func (m *Manager) Start(class Class, job Job, cb Callbacks) (*Handle, error) {
	return m.start(class, job, cb, true)
}

// Spawn registers and starts job alongside any running job of class. Spawned
// jobs are only stopped by Cancel, CancelAll or Shutdown.
func (m *Manager) Spawn(class Class, job Job, cb Callbacks) (*Handle, error) {
	return m.start(class, job, cb, false)
}

func (m *Manager) start(class Class, job Job, cb Callbacks, supersede bool) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{handle: &Handle{
		ID:     uuid.New(),
		Class:  class,
		cancel: cancel,
		done:   make(chan struct{}),
	}}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrShutdown
	}
	var superseded []*entry
	if supersede {
		superseded = m.removeClassLocked(class)
	}
	m.jobs[e.handle.ID] = e
	active := m.countLocked(class)
	m.wg.Add(1)
	m.mu.Unlock()

	for _, old := range superseded {
		m.stop(old, metrics.JobSuperseded)
	}

	metrics.RecordJob(string(class), metrics.JobStarted)
	metrics.SetActiveJobs(string(class), active)
	m.log.Debug().Str("class", string(class)).Str("job_id", e.handle.ID.String()).Int("superseded", len(superseded)).Msg("job started")

	go m.run(ctx, e, job, cb)

	return e.handle, nil
}

// CancelAll cancels and deregisters every job of class. It returns how many were cancelled.
func (m *Manager) CancelAll(class Class) int {
	m.mu.Lock()
	cancelled := m.removeClassLocked(class)
	m.mu.Unlock()

	for _, e := range cancelled {
		m.stop(e, metrics.JobCancelled)
	}
	if len(cancelled) > 0 {
		metrics.SetActiveJobs(string(class), 0)
		m.log.Debug().Str("class", string(class)).Int("cancelled", len(cancelled)).Msg("jobs cancelled")
	}
	return len(cancelled)
}

// Cancel cancels one job by identity. It returns false when the job is no longer registered.
func (m *Manager) Cancel(id uuid.UUID) bool {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if ok {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.stop(e, metrics.JobCancelled)
	return true
}

// Active returns how many jobs of class are registered.
func (m *Manager) Active(class Class) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(class)
}

// Shutdown cancels every job and waits until all job goroutines have returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*entry, 0, len(m.jobs))
	for id, e := range m.jobs {
		all = append(all, e)
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	for _, e := range all {
		m.stop(e, metrics.JobCancelled)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info().Int("cancelled", len(all)).Msg("all jobs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (m *Manager) run(ctx context.Context, e *entry, job Job, cb Callbacks) {
	defer m.wg.Done()

	value, err := invoke(ctx, job)
	close(e.handle.done)

	class := string(e.handle.Class)
	m.exec(func() {
		if !e.claim() {
			m.log.Debug().Str("class", class).Str("job_id", e.handle.ID.String()).Msg("outcome discarded")
			return
		}
		defer m.release(e)

		if err != nil {
			metrics.RecordJob(class, metrics.JobFailed)
			if cb.OnFailure != nil {
				cb.OnFailure(err)
			}
			return
		}
		metrics.RecordJob(class, metrics.JobSucceeded)
		if cb.OnSuccess != nil {
			cb.OnSuccess(value)
		}
	})
}

func invoke(ctx context.Context, job Job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return job(ctx)
}

// release deregisters a delivered job after the cleanup delay so the entry is
// never removed from inside its own callback.
func (m *Manager) release(e *entry) {
	time.AfterFunc(m.cleanupDelay, func() {
		m.mu.Lock()
		if cur, ok := m.jobs[e.handle.ID]; ok && cur == e {
			delete(m.jobs, e.handle.ID)
		}
		active := m.countLocked(e.handle.Class)
		m.mu.Unlock()

		e.handle.cancel()
		metrics.SetActiveJobs(string(e.handle.Class), active)
	})
}

func (m *Manager) stop(e *entry, event string) {
	if e.revoke() {
		metrics.RecordJob(string(e.handle.Class), event)
	}
	e.handle.cancel()
}

func (m *Manager) removeClassLocked(class Class) []*entry {
	var removed []*entry
	for id, e := range m.jobs {
		if e.handle.Class == class {
			removed = append(removed, e)
			delete(m.jobs, id)
		}
	}
	return removed
}

func (m *Manager) countLocked(class Class) int {
	n := 0
	for _, e := range m.jobs {
		if e.handle.Class == class {
			n++
		}
	}
	return n
}
