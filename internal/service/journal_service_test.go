package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/repository"
)

type memStore struct {
	plates    []repository.Plate
	events    []repository.GateEvent
	lastQuery repository.EventFilter
	deleted   int
	failWith  error
}

func (m *memStore) GetOrCreatePlate(_ context.Context, normalized, original string, class anpr.VehicleClass) (int64, error) {
	if m.failWith != nil {
		return 0, m.failWith
	}
	for _, p := range m.plates {
		if p.Normalized == normalized {
			return p.ID, nil
		}
	}
	id := int64(len(m.plates) + 1)
	m.plates = append(m.plates, repository.Plate{ID: id, Number: original, Normalized: normalized, VehicleClass: string(class)})
	return id, nil
}

func (m *memStore) CreateGateEvent(_ context.Context, e *repository.GateEvent) error {
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *e)
	return nil
}

func (m *memStore) FindPlatesByNormalized(_ context.Context, normalized string) ([]repository.Plate, error) {
	var out []repository.Plate
	for _, p := range m.plates {
		if p.Normalized == normalized {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) FindEvents(_ context.Context, f repository.EventFilter) ([]repository.GateEvent, error) {
	m.lastQuery = f
	return m.events, nil
}

func (m *memStore) GetLastEventTimeForPlate(_ context.Context, plateID int64) (*time.Time, error) {
	var last *time.Time
	for i := range m.events {
		e := m.events[i]
		if e.PlateID != nil && *e.PlateID == plateID && (last == nil || e.EventTime.After(*last)) {
			last = &e.EventTime
		}
	}
	return last, nil
}

func (m *memStore) DeleteOldEvents(_ context.Context, days int) (int64, error) {
	m.deleted = days
	return 3, nil
}

func TestRecordStoresPlateAndEvent(t *testing.T) {
	store := &memStore{}
	svc := NewJournalService(store, zerolog.Nop())
	at := time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)
	runID := uuid.New()

	err := svc.Record(context.Background(), anpr.GateOutcome{
		RunID:        runID,
		CardUID:      "A1",
		RawPlate:     "29A 12345",
		Plate:        "29A-12345",
		VehicleClass: anpr.FourWheeler,
		Confidence:   0.85,
		Success:      true,
		Message:      "Check-in thành công",
		Response:     []byte(`{"session_id":9}`),
		EventTime:    at,
	})
	require.NoError(t, err)

	require.Len(t, store.plates, 1)
	assert.Equal(t, repository.Plate{ID: 1, Number: "29A 12345", Normalized: "29A-12345", VehicleClass: "four_wheeler"}, store.plates[0])

	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, runID, ev.RunID)
	require.NotNil(t, ev.PlateID)
	assert.EqualValues(t, 1, *ev.PlateID)
	assert.Nil(t, ev.Stage)
	assert.JSONEq(t, `{"session_id":9}`, string(ev.Response))
	assert.Equal(t, at, ev.EventTime)

	plates, err := svc.FindPlates(context.Background(), "29a 12345")
	require.NoError(t, err)
	want := []PlateInfo{{ID: 1, Number: "29A 12345", Normalized: "29A-12345", VehicleClass: "four_wheeler", LastEventTime: &at}}
	if diff := cmp.Diff(want, plates); diff != "" {
		t.Errorf("plates mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFailureWithoutPlate(t *testing.T) {
	store := &memStore{}
	svc := NewJournalService(store, zerolog.Nop())

	require.NoError(t, svc.Record(context.Background(), anpr.GateOutcome{
		RunID: uuid.New(), CardUID: "A1", Stage: "capture", Message: "camera capture failed",
	}))
	assert.Empty(t, store.plates)
	require.Len(t, store.events, 1)
	assert.Nil(t, store.events[0].PlateID)
	require.NotNil(t, store.events[0].Stage)
	assert.Equal(t, "capture", *store.events[0].Stage)
	assert.False(t, store.events[0].EventTime.IsZero())
}

func TestRecordValidation(t *testing.T) {
	svc := NewJournalService(&memStore{}, zerolog.Nop())
	assert.ErrorIs(t, svc.Record(context.Background(), anpr.GateOutcome{CardUID: "A1"}), ErrInvalidInput)
	assert.ErrorIs(t, svc.Record(context.Background(), anpr.GateOutcome{RunID: uuid.New()}), ErrInvalidInput)

	boom := errors.New("db down")
	svc = NewJournalService(&memStore{failWith: boom}, zerolog.Nop())
	err := svc.Record(context.Background(), anpr.GateOutcome{RunID: uuid.New(), CardUID: "A1", Plate: "29A-12345"})
	assert.ErrorIs(t, err, boom)
}

func TestFindEventsNormalizesQuery(t *testing.T) {
	store := &memStore{}
	svc := NewJournalService(store, zerolog.Nop())
	plate := "59ab 1234"
	from := "2026-06-01T00:00:00Z"

	_, err := svc.FindEvents(context.Background(), EventQuery{Plate: &plate, From: &from, Limit: 500, Offset: -4})
	require.NoError(t, err)

	require.NotNil(t, store.lastQuery.NormalizedPlate)
	assert.Equal(t, "59AB-1234", *store.lastQuery.NormalizedPlate)
	require.NotNil(t, store.lastQuery.From)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), *store.lastQuery.From)
	assert.Nil(t, store.lastQuery.To)
	assert.Equal(t, 100, store.lastQuery.Limit)
	assert.Equal(t, 0, store.lastQuery.Offset)

	_, err = svc.FindEvents(context.Background(), EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, 50, store.lastQuery.Limit)
}

func TestFindEventsRejectsBadInput(t *testing.T) {
	svc := NewJournalService(&memStore{}, zerolog.Nop())
	bad := "yesterday"
	_, err := svc.FindEvents(context.Background(), EventQuery{To: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	short := "AB12"
	_, err = svc.FindEvents(context.Background(), EventQuery{Plate: &short})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.FindPlates(context.Background(), "1234567")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCleanupOldEvents(t *testing.T) {
	store := &memStore{}
	svc := NewJournalService(store, zerolog.Nop())

	n, err := svc.CleanupOldEvents(context.Background(), 30)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, 30, store.deleted)

	_, err = svc.CleanupOldEvents(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
