package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gate-controller/internal/backend"
	"gate-controller/internal/camera"
	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/extraction"
	"gate-controller/internal/metrics"
	"gate-controller/internal/worker"
)

type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

type Streamer interface {
	Stream(ctx context.Context, url string, onFrame func([]byte)) error
}

type Extractor interface {
	Extract(ctx context.Context, raw []byte) (*anpr.ExtractedPlate, error)
}

type Backend interface {
	CheckInOut(ctx context.Context, cardUID, plate string, image []byte) (*backend.CheckResult, error)
	GetCardByUID(ctx context.Context, uid string) (*backend.Card, error)
	CreateCard(ctx context.Context, uid string) (*backend.Card, string, error)
	RegisterMonthly(ctx context.Context, cardID int64, reg anpr.MonthlyRegistration) (*backend.Card, string, error)
	UnregisterMonthly(ctx context.Context, cardID int64) (*backend.Card, string, error)
}

// Notifier is the UI-facing sink for notices and camera frames.
type Notifier interface {
	Notify(n anpr.Notice)
	// FrameSink returns the preview writer for a new stream. Sinks issued
	// before the latest FrameSink or ClearFrame call must drop their frames.
	FrameSink() func(data []byte)
	ClearFrame()
	Capture(data []byte)
}

type Journal interface {
	Record(ctx context.Context, outcome anpr.GateOutcome) error
}

const (
	stageCapture = "capture"
	stageExtract = "extract"
	stageVerify  = "verify"
)

const (
	DefaultQueueSize      = 64
	DefaultJournalTimeout = 5 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

var ErrRegistrationRequired = errors.New("monthly registration details required")

type GateDeps struct {
	Capturer  Capturer
	Streamer  Streamer
	Extractor Extractor
	Backend   Backend
	Notifier  Notifier
	// Journal is optional.
	Journal Journal
}

type GateOptions struct {
	CleanupDelay   time.Duration
	QueueSize      int
	JournalTimeout time.Duration
	StopTimeout    time.Duration
}

type adminResult struct {
	message string
	card    *backend.Card
}

// GateService routes hardware events to the capture, extraction and
// verification chain. All state below the queue fields is owned by the Run
// loop; job outcomes are posted back onto that loop before they are applied.
type GateService struct {
	deps    GateDeps
	opts    GateOptions
	workers *worker.Manager
	log     zerolog.Logger
	now     func() time.Time

	events chan anpr.Event
	calls  chan func()
	done   chan struct{}
	once   sync.Once
	bg     sync.WaitGroup

	mode         anpr.Mode
	registration *anpr.MonthlyRegistration
	captureURL   string
	current      *anpr.ProcessingContext
}

func NewGateService(deps GateDeps, opts GateOptions, log zerolog.Logger) *GateService {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.JournalTimeout <= 0 {
		opts.JournalTimeout = DefaultJournalTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = worker.DefaultCleanupDelay
	}

	s := &GateService{
		deps:   deps,
		opts:   opts,
		log:    log.With().Str("component", "gate").Logger(),
		now:    time.Now,
		events: make(chan anpr.Event, opts.QueueSize),
		calls:  make(chan func(), opts.QueueSize),
		done:   make(chan struct{}),
		mode:   anpr.ModeStatus,
	}
	s.workers = worker.NewManager(worker.Options{
		CleanupDelay: opts.CleanupDelay,
		Executor:     s.post,
	}, log)
	return s
}

// Dispatch queues a hardware event. It blocks only while the queue is full.
func (s *GateService) Dispatch(ev anpr.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// SetMode switches the handling of subsequently presented cards. Register
// mode requires the monthly registration form.
func (s *GateService) SetMode(mode anpr.Mode, reg *anpr.MonthlyRegistration) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}
	if mode == anpr.ModeRegister {
		if err := validateRegistration(reg); err != nil {
			return err
		}
	}

	var form *anpr.MonthlyRegistration
	if reg != nil {
		cp := *reg
		form = &cp
	}
	s.post(func() {
		s.mode = mode
		s.registration = form
		s.log.Info().Str("mode", string(mode)).Msg("mode changed")
		s.notify(anpr.Notice{Kind: anpr.NoticeMode, Mode: mode, Success: true, Message: "mode set to " + string(mode)})
	})
	return nil
}

func validateRegistration(reg *anpr.MonthlyRegistration) error {
	switch {
	case reg == nil:
		return ErrRegistrationRequired
	case reg.Name == "":
		return fmt.Errorf("%w: monthly_user_name is required", ErrInvalidInput)
	case reg.Phone == "":
		return fmt.Errorf("%w: monthly_user_phone is required", ErrInvalidInput)
	case reg.Months <= 0:
		return fmt.Errorf("%w: months must be positive", ErrInvalidInput)
	}
	return nil
}

// Run processes events until ctx is done, then stops every job and waits
// for them to exit.
func (s *GateService) Run(ctx context.Context) error {
	s.log.Info().Msg("gate service started")
	for {
		select {
		case <-ctx.Done():
			return s.stop()
		case ev := <-s.events:
			s.handle(ev)
		case fn := <-s.calls:
			fn()
		}
	}
}

func (s *GateService) stop() error {
	s.once.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()
	err := s.workers.Shutdown(ctx)
	s.bg.Wait()
	s.log.Info().Err(err).Msg("gate service stopped")
	return err
}

// post runs fn on the loop. Calls posted after shutdown are dropped.
func (s *GateService) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.done:
	}
}

func (s *GateService) handle(ev anpr.Event) {
	s.log.Debug().Str("event", ev.EventType()).Msg("hardware event")

	switch e := ev.(type) {
	case anpr.CardConnected:
		s.deviceChanged(anpr.DeviceCardReader, true)
	case anpr.CardDisconnected:
		s.deviceChanged(anpr.DeviceCardReader, false)
	case anpr.CardUIDPresented:
		s.cardPresented(e.UID)
	case anpr.CameraConnected:
		s.deviceChanged(anpr.DeviceCamera, true)
	case anpr.CameraDisconnected:
		s.cameraDisconnected()
	case anpr.CameraStreamReady:
		s.startStream(e.URL)
	case anpr.CameraCaptureReady:
		s.captureURL = e.URL
		s.log.Info().Str("url", e.URL).Msg("capture endpoint updated")
	default:
		s.log.Warn().Str("event", ev.EventType()).Msg("unhandled event")
	}
}

func (s *GateService) deviceChanged(device anpr.Device, up bool) {
	msg := string(device) + " disconnected"
	if up {
		msg = string(device) + " connected"
	}
	s.notify(anpr.Notice{Kind: anpr.NoticeDevice, Device: device, Connected: &up, Success: true, Message: msg})
}

func (s *GateService) cameraDisconnected() {
	s.captureURL = ""
	// Clearing first makes the stream's sink stale before its context is cancelled.
	s.deps.Notifier.ClearFrame()
	if n := s.workers.CancelAll(worker.ClassStream); n > 0 {
		s.log.Info().Int("stopped", n).Msg("camera stream stopped")
	}
	s.deviceChanged(anpr.DeviceCamera, false)
}

func (s *GateService) startStream(url string) {
	sink := s.deps.Notifier.FrameSink()
	_, err := s.workers.Start(worker.ClassStream,
		func(ctx context.Context) (any, error) {
			return nil, s.deps.Streamer.Stream(ctx, url, sink)
		},
		worker.Callbacks{
			OnSuccess: func(any) {
				s.log.Info().Str("url", url).Msg("camera stream ended")
				s.deps.Notifier.ClearFrame()
			},
			OnFailure: func(err error) {
				s.deps.Notifier.ClearFrame()
				s.notify(anpr.Notice{Kind: anpr.NoticeDevice, Device: anpr.DeviceCamera, Message: "camera stream failed: " + err.Error()})
			},
		})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to start camera stream")
	}
}

func (s *GateService) cardPresented(uid string) {
	s.notify(anpr.Notice{Kind: anpr.NoticeCard, CardUID: uid, Mode: s.mode, Success: true, Message: "card presented"})

	switch s.mode {
	case anpr.ModeStatus:
		s.startRun(uid)
	default:
		s.startAdmin(s.mode, uid)
	}
}

// supersede abandons the in-flight run without telling anyone.
func (s *GateService) supersede() {
	if s.current == nil {
		return
	}
	s.log.Info().Str("run_id", s.current.RunID.String()).Str("status", string(s.current.Status)).Msg("run superseded")
	for _, class := range []worker.Class{worker.ClassCapture, worker.ClassExtract, worker.ClassVerify} {
		s.workers.CancelAll(class)
	}
	s.current = nil
}

func (s *GateService) isCurrent(rc *anpr.ProcessingContext) bool {
	return s.current == rc
}

func (s *GateService) startRun(uid string) {
	if s.captureURL == "" {
		s.log.Debug().Str("card_uid", uid).Msg("no capture endpoint, card ignored")
		return
	}
	s.supersede()

	rc := &anpr.ProcessingContext{
		RunID:     uuid.New(),
		CardUID:   uid,
		Status:    anpr.RunCapturing,
		StartedAt: s.now(),
	}
	s.current = rc
	s.log.Info().Str("run_id", rc.RunID.String()).Str("card_uid", uid).Msg("run started")

	url := s.captureURL
	_, err := worker.Go(s.workers, worker.ClassCapture,
		func(ctx context.Context) ([]byte, error) {
			return s.deps.Capturer.Capture(ctx, url)
		},
		func(img []byte) {
			if s.isCurrent(rc) {
				s.captured(rc, img)
			}
		},
		func(err error) {
			if s.isCurrent(rc) {
				s.fail(rc, stageCapture, err)
			}
		})
	if err != nil {
		s.fail(rc, stageCapture, err)
	}
}

func (s *GateService) captured(rc *anpr.ProcessingContext, img []byte) {
	rc.CapturedImage = img
	rc.Status = anpr.RunExtracting
	s.deps.Notifier.Capture(img)
	s.notify(anpr.Notice{Kind: anpr.NoticeCaptured, RunID: &rc.RunID, CardUID: rc.CardUID, Success: true, Message: "frame captured"})

	_, err := worker.Go(s.workers, worker.ClassExtract,
		func(ctx context.Context) (*anpr.ExtractedPlate, error) {
			return s.deps.Extractor.Extract(ctx, img)
		},
		func(plate *anpr.ExtractedPlate) {
			if s.isCurrent(rc) {
				s.extracted(rc, plate)
			}
		},
		func(err error) {
			if s.isCurrent(rc) {
				s.fail(rc, stageExtract, err)
			}
		})
	if err != nil {
		s.fail(rc, stageExtract, err)
	}
}

func (s *GateService) extracted(rc *anpr.ProcessingContext, plate *anpr.ExtractedPlate) {
	rc.Plate = plate
	rc.Status = anpr.RunVerifying
	s.notify(anpr.Notice{
		Kind:         anpr.NoticePlate,
		RunID:        &rc.RunID,
		CardUID:      rc.CardUID,
		Plate:        plate.NormalizedText,
		VehicleClass: plate.VehicleClass,
		Confidence:   plate.Confidence,
		Success:      true,
		Message:      "plate recognized",
	})

	img := rc.CapturedImage
	_, err := worker.Go(s.workers, worker.ClassVerify,
		func(ctx context.Context) (*backend.CheckResult, error) {
			return s.deps.Backend.CheckInOut(ctx, rc.CardUID, plate.NormalizedText, img)
		},
		func(res *backend.CheckResult) {
			if s.isCurrent(rc) {
				s.verified(rc, res)
			}
		},
		func(err error) {
			if s.isCurrent(rc) {
				s.fail(rc, stageVerify, err)
			}
		})
	if err != nil {
		s.fail(rc, stageVerify, err)
	}
}

func (s *GateService) verified(rc *anpr.ProcessingContext, res *backend.CheckResult) {
	rc.Status = anpr.RunDone
	s.current = nil

	s.notify(anpr.Notice{
		Kind:         anpr.NoticeGate,
		RunID:        &rc.RunID,
		CardUID:      rc.CardUID,
		Plate:        rc.Plate.NormalizedText,
		VehicleClass: rc.Plate.VehicleClass,
		Confidence:   rc.Plate.Confidence,
		Success:      true,
		Message:      res.Message,
		Data:         res.Data,
	})
	metrics.RecordGateResult(string(anpr.ModeStatus), true)
	s.log.Info().
		Str("run_id", rc.RunID.String()).
		Str("card_uid", rc.CardUID).
		Str("plate", rc.Plate.NormalizedText).
		Bool("checked_in", res.CheckedIn).
		Dur("elapsed", s.now().Sub(rc.StartedAt)).
		Msg("gate pass confirmed")

	s.record(outcomeOf(rc, "", true, res.Message, res.Data))
}

func (s *GateService) fail(rc *anpr.ProcessingContext, stage string, err error) {
	rc.Status = anpr.RunFailed
	if s.isCurrent(rc) {
		s.current = nil
	}

	kind := anpr.NoticeGate
	switch stage {
	case stageCapture:
		kind = anpr.NoticeCaptured
	case stageExtract:
		kind = anpr.NoticePlate
	}
	msg := failureMessage(err)

	n := anpr.Notice{Kind: kind, RunID: &rc.RunID, CardUID: rc.CardUID, Message: msg}
	if rc.Plate != nil {
		n.Plate = rc.Plate.NormalizedText
		n.VehicleClass = rc.Plate.VehicleClass
		n.Confidence = rc.Plate.Confidence
	}
	s.notify(n)
	metrics.RecordGateResult(string(anpr.ModeStatus), false)
	s.log.Warn().Err(err).Str("run_id", rc.RunID.String()).Str("stage", stage).Str("card_uid", rc.CardUID).Msg("run failed")

	s.record(outcomeOf(rc, stage, false, msg, nil))
}

// failureMessage returns the text shown to the guard for a failed stage.
func failureMessage(err error) string {
	var apiErr *backend.APIError
	var stageErr *extraction.StageError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Error()
	case errors.As(err, &stageErr):
		return stageErr.Error()
	case errors.Is(err, camera.ErrCapture):
		return camera.ErrCapture.Error()
	case errors.Is(err, worker.ErrPanic):
		return "internal error"
	}
	return err.Error()
}

func outcomeOf(rc *anpr.ProcessingContext, stage string, success bool, msg string, resp json.RawMessage) anpr.GateOutcome {
	o := anpr.GateOutcome{
		RunID:     rc.RunID,
		CardUID:   rc.CardUID,
		Success:   success,
		Stage:     stage,
		Message:   msg,
		Response:  resp,
		EventTime: rc.StartedAt,
	}
	if rc.Plate != nil {
		o.RawPlate = rc.Plate.RawText
		o.Plate = rc.Plate.NormalizedText
		o.VehicleClass = rc.Plate.VehicleClass
		o.Confidence = rc.Plate.Confidence
	}
	return o
}

func (s *GateService) startAdmin(mode anpr.Mode, uid string) {
	reg := s.registration
	if mode == anpr.ModeRegister && reg == nil {
		s.adminDone(mode, uid, nil, ErrRegistrationRequired)
		return
	}

	// Card writes may already have reached the backend, so a later card never
	// cancels an earlier one.
	_, err := worker.GoSpawn(s.workers, worker.ClassAdmin,
		func(ctx context.Context) (adminResult, error) {
			return s.adminCall(ctx, mode, uid, reg)
		},
		func(res adminResult) { s.adminDone(mode, uid, &res, nil) },
		func(err error) { s.adminDone(mode, uid, nil, err) })
	if err != nil {
		s.adminDone(mode, uid, nil, err)
	}
}

func (s *GateService) adminCall(ctx context.Context, mode anpr.Mode, uid string, reg *anpr.MonthlyRegistration) (adminResult, error) {
	if mode == anpr.ModeCreate {
		card, msg, err := s.deps.Backend.CreateCard(ctx, uid)
		return adminResult{message: msg, card: card}, err
	}

	card, err := s.deps.Backend.GetCardByUID(ctx, uid)
	if err != nil {
		return adminResult{}, err
	}

	var msg string
	switch mode {
	case anpr.ModeRegister:
		card, msg, err = s.deps.Backend.RegisterMonthly(ctx, card.ID, *reg)
	case anpr.ModeUnregister:
		card, msg, err = s.deps.Backend.UnregisterMonthly(ctx, card.ID)
	default:
		err = fmt.Errorf("%w: mode %q has no card operation", ErrInvalidInput, mode)
	}
	return adminResult{message: msg, card: card}, err
}

func (s *GateService) adminDone(mode anpr.Mode, uid string, res *adminResult, err error) {
	n := anpr.Notice{Kind: anpr.NoticeAdmin, Mode: mode, CardUID: uid}
	if err != nil {
		n.Message = failureMessage(err)
		s.log.Warn().Err(err).Str("mode", string(mode)).Str("card_uid", uid).Msg("card operation failed")
	} else {
		n.Success = true
		n.Message = res.message
		if res.card != nil {
			if data, mErr := json.Marshal(res.card); mErr == nil {
				n.Data = data
			}
		}
		s.log.Info().Str("mode", string(mode)).Str("card_uid", uid).Msg("card operation succeeded")
	}
	metrics.RecordGateResult(string(mode), n.Success)
	s.notify(n)
}

func (s *GateService) notify(n anpr.Notice) {
	n.ID = uuid.New()
	n.Time = s.now()
	s.deps.Notifier.Notify(n)
}

func (s *GateService) record(o anpr.GateOutcome) {
	if s.deps.Journal == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.JournalTimeout)
		defer cancel()
		if err := s.deps.Journal.Record(ctx, o); err != nil {
			s.log.Error().Err(err).Str("run_id", o.RunID.String()).Msg("failed to journal gate outcome")
		}
	}()
}
