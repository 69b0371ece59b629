package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-controller/internal/backend"
	"gate-controller/internal/camera"
	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/extraction"
)

const captureURL = "http://10.0.0.5/capture"

type recNotifier struct {
	mu       sync.Mutex
	notices  []anpr.Notice
	frames   int
	gen      int
	captures [][]byte
	cleared  int
}

func (r *recNotifier) Notify(n anpr.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recNotifier) FrameSink() func([]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	gen := r.gen
	return func([]byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen == gen {
			r.frames++
		}
	}
}

func (r *recNotifier) ClearFrame() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.cleared++
}

func (r *recNotifier) Capture(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, data)
}

func (r *recNotifier) all() []anpr.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]anpr.Notice(nil), r.notices...)
}

func (r *recNotifier) kinds() []anpr.NoticeKind {
	var out []anpr.NoticeKind
	for _, n := range r.all() {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recNotifier) last(kind anpr.NoticeKind) (anpr.Notice, bool) {
	ns := r.all()
	for i := len(ns) - 1; i >= 0; i-- {
		if ns[i].Kind == kind {
			return ns[i], true
		}
	}
	return anpr.Notice{}, false
}

type capturerFunc func(ctx context.Context, url string) ([]byte, error)

func (f capturerFunc) Capture(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

type streamerFunc func(ctx context.Context, url string, onFrame func([]byte)) error

func (f streamerFunc) Stream(ctx context.Context, url string, onFrame func([]byte)) error {
	return f(ctx, url, onFrame)
}

type extractorFunc func(ctx context.Context, raw []byte) (*anpr.ExtractedPlate, error)

func (f extractorFunc) Extract(ctx context.Context, raw []byte) (*anpr.ExtractedPlate, error) {
	return f(ctx, raw)
}

type check struct {
	uid   string
	plate string
	image []byte
}

type fakeBackend struct {
	mu        sync.Mutex
	checks    []check
	checkErr  error
	adminCall []string
	adminErr  error
	reg       anpr.MonthlyRegistration
	onCreate  func(uid string)
}

func (b *fakeBackend) CheckInOut(_ context.Context, uid, plate string, image []byte) (*backend.CheckResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checks = append(b.checks, check{uid, plate, image})
	if b.checkErr != nil {
		return nil, b.checkErr
	}
	return &backend.CheckResult{CheckedIn: true, Message: "Check-in thành công", Data: json.RawMessage(`{"session_id":1}`)}, nil
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adminCall = append(b.adminCall, call)
}

func (b *fakeBackend) GetCardByUID(_ context.Context, uid string) (*backend.Card, error) {
	b.record("get " + uid)
	if b.adminErr != nil {
		return nil, b.adminErr
	}
	return &backend.Card{ID: 42, UID: uid, Type: "normal"}, nil
}

func (b *fakeBackend) CreateCard(_ context.Context, uid string) (*backend.Card, string, error) {
	b.record("create " + uid)
	if b.onCreate != nil {
		b.onCreate(uid)
	}
	return &backend.Card{ID: 43, UID: uid, Type: "normal"}, "Tạo thẻ thành công", nil
}

func (b *fakeBackend) RegisterMonthly(_ context.Context, id int64, reg anpr.MonthlyRegistration) (*backend.Card, string, error) {
	b.record(fmt.Sprintf("register %d", id))
	b.mu.Lock()
	b.reg = reg
	b.mu.Unlock()
	return &backend.Card{ID: id, Type: "monthly"}, "Đăng kí vé tháng thành công", nil
}

func (b *fakeBackend) UnregisterMonthly(_ context.Context, id int64) (*backend.Card, string, error) {
	b.record(fmt.Sprintf("unregister %d", id))
	return &backend.Card{ID: id, Type: "normal"}, "Hủy đăng kí vé tháng thành công", nil
}

func (b *fakeBackend) checkCalls() []check {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]check(nil), b.checks...)
}

func (b *fakeBackend) adminCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.adminCall...)
}

type fakeJournal struct {
	mu       sync.Mutex
	outcomes []anpr.GateOutcome
}

func (j *fakeJournal) Record(_ context.Context, o anpr.GateOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	return nil
}

func (j *fakeJournal) all() []anpr.GateOutcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]anpr.GateOutcome(nil), j.outcomes...)
}

var frameBytes = []byte{0xff, 0xd8, 0x01, 0xff, 0xd9}

func goodPlate(context.Context, []byte) (*anpr.ExtractedPlate, error) {
	return &anpr.ExtractedPlate{
		RawText:        "29A 12345",
		NormalizedText: "29A-12345",
		VehicleClass:   anpr.FourWheeler,
		Confidence:     0.85,
	}, nil
}

type harness struct {
	svc      *GateService
	notifier *recNotifier
	backend  *fakeBackend
	journal  *fakeJournal
	captures atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

type harnessOpts struct {
	capture func(ctx context.Context, url string) ([]byte, error)
	extract extractorFunc
	stream  streamerFunc
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{notifier: &recNotifier{}, backend: &fakeBackend{}, journal: &fakeJournal{}, done: make(chan struct{})}
	if o.capture == nil {
		o.capture = func(context.Context, string) ([]byte, error) { return frameBytes, nil }
	}
	if o.extract == nil {
		o.extract = goodPlate
	}
	if o.stream == nil {
		o.stream = func(ctx context.Context, _ string, _ func([]byte)) error {
			<-ctx.Done()
			return nil
		}
	}
	capture := o.capture

	h.svc = NewGateService(GateDeps{
		Capturer: capturerFunc(func(ctx context.Context, url string) ([]byte, error) {
			h.captures.Add(1)
			return capture(ctx, url)
		}),
		Streamer:  o.stream,
		Extractor: o.extract,
		Backend:   h.backend,
		Notifier:  h.notifier,
		Journal:   h.journal,
	}, GateOptions{CleanupDelay: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.runErr = h.svc.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() { h.stop() })
	return h
}

func (h *harness) stop() bool {
	h.cancel()
	select {
	case <-h.done:
		return true
	case <-time.After(5 * time.Second):
		return false
	}
}

// sync waits until every event dispatched so far has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	before := len(h.notifier.all())
	h.svc.Dispatch(anpr.CardConnected{})
	require.Eventually(t, func() bool {
		for _, n := range h.notifier.all()[before:] {
			if n.Kind == anpr.NoticeDevice && n.Device == anpr.DeviceCardReader {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

// setMode switches mode and waits until the loop has applied it.
func (h *harness) setMode(t *testing.T, mode anpr.Mode, reg *anpr.MonthlyRegistration) {
	t.Helper()
	before := len(h.notifier.all())
	require.NoError(t, h.svc.SetMode(mode, reg))
	require.Eventually(t, func() bool {
		for _, n := range h.notifier.all()[before:] {
			if n.Kind == anpr.NoticeMode && n.Mode == mode {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) waitKind(t *testing.T, kind anpr.NoticeKind) anpr.Notice {
	t.Helper()
	var got anpr.Notice
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = h.notifier.last(kind)
		return ok
	}, 2*time.Second, time.Millisecond)
	return got
}

func TestStatusFlowConfirmsGatePass(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.svc.Dispatch(anpr.CameraCaptureReady{URL: captureURL})
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "A1B2C3D4"})

	gate := h.waitKind(t, anpr.NoticeGate)
	assert.True(t, gate.Success)
	assert.Equal(t, "Check-in thành công", gate.Message)
	assert.Equal(t, "29A-12345", gate.Plate)
	assert.Equal(t, anpr.FourWheeler, gate.VehicleClass)
	assert.JSONEq(t, `{"session_id":1}`, string(gate.Data))
	require.NotNil(t, gate.RunID)

	assert.Equal(t, []anpr.NoticeKind{anpr.NoticeCard, anpr.NoticeCaptured, anpr.NoticePlate, anpr.NoticeGate}, h.notifier.kinds())
	for _, n := range h.notifier.all()[1:] {
		assert.Equal(t, *gate.RunID, *n.RunID)
	}
	assert.Equal(t, []check{{"A1B2C3D4", "29A-12345", frameBytes}}, h.backend.checkCalls())
	assert.Equal(t, [][]byte{frameBytes}, h.notifier.captures)

	require.Eventually(t, func() bool { return len(h.journal.all()) == 1 }, time.Second, time.Millisecond)
	out := h.journal.all()[0]
	assert.True(t, out.Success)
	assert.Equal(t, "29A-12345", out.Plate)
	assert.Equal(t, "29A 12345", out.RawPlate)
	assert.Equal(t, *gate.RunID, out.RunID)
}

func TestCardWithoutCaptureEndpointIsIgnored(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.svc.Dispatch(anpr.CardUIDPresented{UID: "A1"})
	h.sync(t)

	assert.Zero(t, h.captures.Load())
	assert.Equal(t, []anpr.NoticeKind{anpr.NoticeCard, anpr.NoticeDevice}, h.notifier.kinds())
}

func TestRapidSecondCardSupersedesSilently(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		capture: func(context.Context, string) ([]byte, error) {
			if calls.Add(1) == 1 {
				<-release
				return []byte("stale frame"), nil
			}
			return frameBytes, nil
		},
	})

	h.svc.Dispatch(anpr.CameraCaptureReady{URL: captureURL})
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "OLD"})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "NEW"})

	gate := h.waitKind(t, anpr.NoticeGate)
	assert.Equal(t, "NEW", gate.CardUID)

	close(release)
	time.Sleep(20 * time.Millisecond)
	h.sync(t)

	for _, n := range h.notifier.all() {
		if n.CardUID == "OLD" {
			assert.Equal(t, anpr.NoticeCard, n.Kind, "superseded run must stay silent")
		}
	}
	assert.Equal(t, []check{{"NEW", "29A-12345", frameBytes}}, h.backend.checkCalls())
	require.Eventually(t, func() bool { return len(h.journal.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "NEW", h.journal.all()[0].CardUID)
}

func TestStageFailuresEmitOneNotice(t *testing.T) {
	tests := []struct {
		name     string
		opts     harnessOpts
		checkErr error
		wantKind anpr.NoticeKind
		wantMsg  string
		stage    string
	}{
		{
			name: "capture",
			opts: harnessOpts{capture: func(context.Context, string) ([]byte, error) {
				return nil, fmt.Errorf("%w: 3 attempts: connection refused", camera.ErrCapture)
			}},
			wantKind: anpr.NoticeCaptured,
			wantMsg:  "camera capture failed",
			stage:    stageCapture,
		},
		{
			name: "no legible text",
			opts: harnessOpts{extract: func(context.Context, []byte) (*anpr.ExtractedPlate, error) {
				return nil, &extraction.StageError{Stage: extraction.StageReading, Reason: extraction.ErrNoLegibleText}
			}},
			wantKind: anpr.NoticePlate,
			wantMsg:  "no legible text",
			stage:    stageExtract,
		},
		{
			name: "extractor panic",
			opts: harnessOpts{extract: func(context.Context, []byte) (*anpr.ExtractedPlate, error) {
				panic("nil model")
			}},
			wantKind: anpr.NoticePlate,
			wantMsg:  "internal error",
			stage:    stageExtract,
		},
		{
			name:     "backend rejection",
			checkErr: &backend.APIError{Status: 400, Message: "Thẻ đang được sử dụng bởi xe khác"},
			wantKind: anpr.NoticeGate,
			wantMsg:  "Thẻ đang được sử dụng bởi xe khác",
			stage:    stageVerify,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			h.backend.checkErr = tt.checkErr

			h.svc.Dispatch(anpr.CameraCaptureReady{URL: captureURL})
			h.svc.Dispatch(anpr.CardUIDPresented{UID: "CARD"})

			require.Eventually(t, func() bool {
				n, ok := h.notifier.last(tt.wantKind)
				return ok && !n.Success
			}, 2*time.Second, time.Millisecond)
			h.sync(t)
			got, _ := h.notifier.last(tt.wantKind)
			assert.Equal(t, tt.wantMsg, got.Message)

			failures := 0
			for _, n := range h.notifier.all() {
				if n.RunID != nil && !n.Success {
					failures++
				}
			}
			assert.Equal(t, 1, failures)

			require.Eventually(t, func() bool { return len(h.journal.all()) == 1 }, time.Second, time.Millisecond)
			assert.Equal(t, tt.stage, h.journal.all()[0].Stage)
			assert.False(t, h.journal.all()[0].Success)
		})
	}
}

func TestAdminModes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	reg := &anpr.MonthlyRegistration{Name: "Tran Thi B", Phone: "0912345678", Address: "Da Nang", Months: 6}

	h.setMode(t, anpr.ModeRegister, reg)
	reg.Months = 99
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "C1"})
	admin := h.waitKind(t, anpr.NoticeAdmin)
	assert.True(t, admin.Success)
	assert.Equal(t, anpr.ModeRegister, admin.Mode)
	assert.Equal(t, "Đăng kí vé tháng thành công", admin.Message)
	assert.JSONEq(t, `{"id":42,"uid":"","type":"monthly","monthly_user_name":null,"monthly_user_phone":null,"monthly_user_address":null,"monthly_user_expiry":null,"created_at":null,"updated_at":null}`, string(admin.Data))
	assert.Equal(t, 6, h.backend.reg.Months)

	h.setMode(t, anpr.ModeUnregister, nil)
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "C1"})
	require.Eventually(t, func() bool {
		n, _ := h.notifier.last(anpr.NoticeAdmin)
		return n.Mode == anpr.ModeUnregister
	}, time.Second, time.Millisecond)

	h.setMode(t, anpr.ModeCreate, nil)
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "C2"})
	require.Eventually(t, func() bool {
		n, _ := h.notifier.last(anpr.NoticeAdmin)
		return n.Mode == anpr.ModeCreate
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"get C1", "register 42", "get C1", "unregister 42", "create C2"}, h.backend.adminCalls())
	assert.Zero(t, h.captures.Load())

	mode, ok := h.notifier.last(anpr.NoticeMode)
	require.True(t, ok)
	assert.Equal(t, anpr.ModeCreate, mode.Mode)
}

func TestRapidAdminCardsAllReportOutcome(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	release := make(chan struct{})
	h.backend.onCreate = func(uid string) {
		if uid == "C1" {
			<-release
		}
	}

	h.setMode(t, anpr.ModeCreate, nil)
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "C1"})
	require.Eventually(t, func() bool { return len(h.backend.adminCalls()) == 1 }, time.Second, time.Millisecond)

	h.svc.Dispatch(anpr.CardUIDPresented{UID: "C2"})
	h.waitKind(t, anpr.NoticeAdmin)
	close(release)

	adminUIDs := func() []string {
		var uids []string
		for _, n := range h.notifier.all() {
			if n.Kind == anpr.NoticeAdmin {
				uids = append(uids, n.CardUID)
			}
		}
		return uids
	}
	require.Eventually(t, func() bool { return len(adminUIDs()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"C2", "C1"}, adminUIDs())
	assert.Equal(t, []string{"create C1", "create C2"}, h.backend.adminCalls())
}

func TestAdminFailureIsVerbatim(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.backend.adminErr = &backend.APIError{Status: 400, Message: "Thẻ không tồn tại"}

	h.setMode(t, anpr.ModeUnregister, nil)
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "GHOST"})

	n := h.waitKind(t, anpr.NoticeAdmin)
	assert.False(t, n.Success)
	assert.Equal(t, "Thẻ không tồn tại", n.Message)
}

func TestSetModeValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	assert.ErrorIs(t, h.svc.SetMode("party", nil), ErrInvalidInput)
	assert.ErrorIs(t, h.svc.SetMode(anpr.ModeRegister, nil), ErrRegistrationRequired)
	assert.ErrorIs(t, h.svc.SetMode(anpr.ModeRegister, &anpr.MonthlyRegistration{Name: "A", Phone: "1"}), ErrInvalidInput)
}

func TestSetModeAppliesToLaterCardsOnly(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, harnessOpts{
		capture: func(context.Context, string) ([]byte, error) {
			<-release
			return frameBytes, nil
		},
	})

	h.svc.Dispatch(anpr.CameraCaptureReady{URL: captureURL})
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "IN-FLIGHT"})
	require.Eventually(t, func() bool { return h.captures.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.svc.SetMode(anpr.ModeCreate, nil))
	h.waitKind(t, anpr.NoticeMode)
	close(release)

	gate := h.waitKind(t, anpr.NoticeGate)
	assert.Equal(t, "IN-FLIGHT", gate.CardUID)
	assert.True(t, gate.Success)
}

func TestCameraDisconnectStopsStreamAndForgetsCaptureURL(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	h := newHarness(t, harnessOpts{
		stream: func(ctx context.Context, url string, onFrame func([]byte)) error {
			assert.Equal(t, "http://10.0.0.5:81/stream", url)
			onFrame([]byte("preview"))
			close(started)
			<-ctx.Done()
			onFrame([]byte("late"))
			close(stopped)
			return nil
		},
	})

	h.svc.Dispatch(anpr.CameraConnected{})
	h.svc.Dispatch(anpr.CameraStreamReady{URL: "http://10.0.0.5:81/stream"})
	h.svc.Dispatch(anpr.CameraCaptureReady{URL: captureURL})
	<-started

	h.svc.Dispatch(anpr.CameraDisconnected{})
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stream job not stopped")
	}

	h.svc.Dispatch(anpr.CardUIDPresented{UID: "A1"})
	h.sync(t)
	assert.Zero(t, h.captures.Load())

	cam, ok := h.notifier.last(anpr.NoticeDevice)
	require.True(t, ok)
	assert.Equal(t, anpr.DeviceCardReader, cam.Device)
	var sawDisconnect bool
	for _, n := range h.notifier.all() {
		if n.Device == anpr.DeviceCamera && n.Connected != nil && !*n.Connected {
			sawDisconnect = true
		}
	}
	assert.True(t, sawDisconnect)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Equal(t, 1, h.notifier.frames)
	assert.GreaterOrEqual(t, h.notifier.cleared, 1)
}

func TestRunStopsInFlightJobs(t *testing.T) {
	observed := make(chan struct{})
	h := newHarness(t, harnessOpts{
		capture: func(ctx context.Context, _ string) ([]byte, error) {
			<-ctx.Done()
			close(observed)
			return nil, ctx.Err()
		},
	})

	h.svc.Dispatch(anpr.CameraCaptureReady{URL: captureURL})
	h.svc.Dispatch(anpr.CardUIDPresented{UID: "A1"})
	require.Eventually(t, func() bool { return h.captures.Load() == 1 }, time.Second, time.Millisecond)

	require.True(t, h.stop(), "Run did not return")
	require.NoError(t, h.runErr)
	<-observed

	_, failed := h.notifier.last(anpr.NoticeCaptured)
	assert.False(t, failed)
}
