// Package board keeps the UI-facing view of the gate: device connectivity,
// current mode, the latest camera frames and a bounded history of notices.
package board

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gate-controller/internal/domain/anpr"
)

const DefaultCapacity = 100

type DeviceState struct {
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since"`
}

type Status struct {
	Mode       anpr.Mode    `json:"mode"`
	CardReader DeviceState  `json:"card_reader"`
	Camera     DeviceState  `json:"camera"`
	Streaming  bool         `json:"streaming"`
	FrameAt    *time.Time   `json:"frame_at,omitempty"`
	CaptureAt  *time.Time   `json:"capture_at,omitempty"`
	Last       *anpr.Notice `json:"last_notice,omitempty"`
}

type frame struct {
	data []byte
	at   time.Time
}

// Board is safe for concurrent use.
type Board struct {
	mu       sync.RWMutex
	ring     []anpr.Notice
	next     int
	count    int
	mode     anpr.Mode
	devices  map[anpr.Device]DeviceState
	frame    frame
	capture  frame
	frameGen uint64
	now      func() time.Time
	log      zerolog.Logger
}

func New(capacity int, log zerolog.Logger) *Board {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Board{
		ring:    make([]anpr.Notice, capacity),
		mode:    anpr.ModeStatus,
		devices: make(map[anpr.Device]DeviceState),
		now:     time.Now,
		log:     log.With().Str("component", "board").Logger(),
	}
}

func (b *Board) Notify(n anpr.Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.next] = n
	b.next = (b.next + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}

	switch n.Kind {
	case anpr.NoticeDevice:
		if n.Connected != nil {
			b.devices[n.Device] = DeviceState{Connected: *n.Connected, Since: n.Time}
			if n.Device == anpr.DeviceCamera && !*n.Connected {
				b.clearFrameLocked()
			}
		}
	case anpr.NoticeMode:
		b.mode = n.Mode
	}

	ev := b.log.Info()
	if !n.Success && n.Kind != anpr.NoticeDevice && n.Kind != anpr.NoticeMode && n.Kind != anpr.NoticeCard {
		ev = b.log.Warn()
	}
	ev.Str("kind", string(n.Kind)).Str("card_uid", n.CardUID).Str("plate", n.Plate).Bool("success", n.Success).Msg(n.Message)
}

// FrameSink returns the preview writer for one stream. A sink drops every
// frame once ClearFrame runs or a newer sink is issued.
func (b *Board) FrameSink() func(data []byte) {
	b.mu.Lock()
	b.frameGen++
	gen := b.frameGen
	b.mu.Unlock()

	return func(data []byte) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.frameGen != gen {
			return
		}
		b.frame = frame{data: data, at: b.now()}
	}
}

// ClearFrame drops the preview once the stream stops.
func (b *Board) ClearFrame() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearFrameLocked()
}

func (b *Board) clearFrameLocked() {
	b.frameGen++
	b.frame = frame{}
}

// Capture stores the frame captured for the current run.
func (b *Board) Capture(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capture = frame{data: data, at: b.now()}
}

func (b *Board) LatestFrame() ([]byte, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frame.data, b.frame.at, b.frame.data != nil
}

func (b *Board) LatestCapture() ([]byte, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capture.data, b.capture.at, b.capture.data != nil
}

// Notices returns up to limit of the most recent notices, oldest first.
// A limit of zero or less returns everything retained.
func (b *Board) Notices(limit int) []anpr.Notice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]anpr.Notice, 0, n)
	start := (b.next - n + len(b.ring)) % len(b.ring)
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

func (b *Board) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Status{
		Mode:       b.mode,
		CardReader: b.devices[anpr.DeviceCardReader],
		Camera:     b.devices[anpr.DeviceCamera],
		Streaming:  b.frame.data != nil,
	}
	if b.frame.data != nil {
		at := b.frame.at
		st.FrameAt = &at
	}
	if b.capture.data != nil {
		at := b.capture.at
		st.CaptureAt = &at
	}
	if b.count > 0 {
		last := b.ring[(b.next-1+len(b.ring))%len(b.ring)]
		st.Last = &last
	}
	return st
}
