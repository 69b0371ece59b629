package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/repository"
	"gate-controller/internal/utils"
)

var ErrInvalidInput = errors.New("invalid input")

type JournalStore interface {
	GetOrCreatePlate(ctx context.Context, normalized, original string, class anpr.VehicleClass) (int64, error)
	CreateGateEvent(ctx context.Context, event *repository.GateEvent) error
	FindPlatesByNormalized(ctx context.Context, normalized string) ([]repository.Plate, error)
	FindEvents(ctx context.Context, filter repository.EventFilter) ([]repository.GateEvent, error)
	GetLastEventTimeForPlate(ctx context.Context, plateID int64) (*time.Time, error)
	DeleteOldEvents(ctx context.Context, days int) (int64, error)
}

// JournalService persists terminal gate outcomes and answers history queries.
type JournalService struct {
	repo JournalStore
	log  zerolog.Logger
}

func NewJournalService(repo JournalStore, log zerolog.Logger) *JournalService {
	return &JournalService{
		repo: repo,
		log:  log.With().Str("component", "journal").Logger(),
	}
}

func (s *JournalService) Record(ctx context.Context, o anpr.GateOutcome) error {
	if o.RunID == uuid.Nil {
		return fmt.Errorf("%w: run_id is required", ErrInvalidInput)
	}
	if o.CardUID == "" {
		return fmt.Errorf("%w: card_uid is required", ErrInvalidInput)
	}
	if o.EventTime.IsZero() {
		o.EventTime = time.Now()
	}

	event := &repository.GateEvent{
		RunID:     o.RunID,
		CardUID:   o.CardUID,
		Success:   o.Success,
		Message:   o.Message,
		EventTime: o.EventTime,
	}
	if o.Stage != "" {
		event.Stage = &o.Stage
	}
	if len(o.Response) > 0 {
		event.Response = datatypes.JSON(o.Response)
	}

	if o.Plate != "" {
		plateID, err := s.repo.GetOrCreatePlate(ctx, o.Plate, o.RawPlate, o.VehicleClass)
		if err != nil {
			s.log.Error().Err(err).Str("plate", o.Plate).Msg("failed to get or create plate")
			return fmt.Errorf("failed to get or create plate: %w", err)
		}
		class := string(o.VehicleClass)
		confidence := o.Confidence
		event.PlateID = &plateID
		event.RawPlate = &o.RawPlate
		event.NormalizedPlate = &o.Plate
		event.VehicleClass = &class
		event.Confidence = &confidence
	}

	if err := s.repo.CreateGateEvent(ctx, event); err != nil {
		s.log.Error().
			Err(err).
			Str("run_id", o.RunID.String()).
			Str("card_uid", o.CardUID).
			Msg("failed to create gate event")
		return fmt.Errorf("failed to create gate event: %w", err)
	}

	s.log.Info().
		Int64("event_id", event.ID).
		Str("run_id", o.RunID.String()).
		Str("card_uid", o.CardUID).
		Str("plate", o.Plate).
		Bool("success", o.Success).
		Time("event_time", o.EventTime).
		Msg("saved gate event to database")
	return nil
}

func (s *JournalService) FindPlates(ctx context.Context, plateQuery string) ([]PlateInfo, error) {
	normalized, _, err := utils.ValidatePlate(plateQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	plates, err := s.repo.FindPlatesByNormalized(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find plates: %w", err)
	}

	result := make([]PlateInfo, 0, len(plates))
	for _, p := range plates {
		lastEventTime, err := s.repo.GetLastEventTimeForPlate(ctx, p.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("plate_id", p.ID).Msg("failed to load last event time")
		}
		result = append(result, PlateInfo{
			ID:            p.ID,
			Number:        p.Number,
			Normalized:    p.Normalized,
			VehicleClass:  p.VehicleClass,
			LastEventTime: lastEventTime,
		})
	}

	return result, nil
}

type EventQuery struct {
	Plate   *string
	CardUID *string
	Success *bool
	From    *string
	To      *string
	Limit   int
	Offset  int
}

func (s *JournalService) FindEvents(ctx context.Context, q EventQuery) ([]EventInfo, error) {
	filter := repository.EventFilter{CardUID: q.CardUID, Success: q.Success}

	if q.Plate != nil {
		if normalized, _, err := utils.ValidatePlate(*q.Plate); err == nil {
			filter.NormalizedPlate = &normalized
		} else {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	var err error
	if filter.From, err = parseTime(q.From, "from"); err != nil {
		return nil, err
	}
	if filter.To, err = parseTime(q.To, "to"); err != nil {
		return nil, err
	}

	filter.Limit = q.Limit
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	filter.Offset = max(q.Offset, 0)

	events, err := s.repo.FindEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}

	result := make([]EventInfo, 0, len(events))
	for _, e := range events {
		result = append(result, EventInfo{
			ID:              e.ID,
			RunID:           e.RunID,
			PlateID:         e.PlateID,
			CardUID:         e.CardUID,
			RawPlate:        e.RawPlate,
			NormalizedPlate: e.NormalizedPlate,
			VehicleClass:    e.VehicleClass,
			Confidence:      e.Confidence,
			Success:         e.Success,
			Stage:           e.Stage,
			Message:         e.Message,
			Response:        e.Response,
			EventTime:       e.EventTime,
		})
	}

	return result, nil
}

func parseTime(v *string, field string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s time format", ErrInvalidInput, field)
	}
	return &t, nil
}

// CleanupOldEvents deletes events older than days.
func (s *JournalService) CleanupOldEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive", ErrInvalidInput)
	}
	deleted, err := s.repo.DeleteOldEvents(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old events")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old events")
	}
	return deleted, nil
}

// RunRetention deletes old events once per interval until ctx is done.
func (s *JournalService) RunRetention(ctx context.Context, days int, interval time.Duration) {
	if days <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.CleanupOldEvents(ctx, days); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("retention pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type PlateInfo struct {
	ID            int64      `json:"id"`
	Number        string     `json:"number"`
	Normalized    string     `json:"normalized"`
	VehicleClass  string     `json:"vehicle_class"`
	LastEventTime *time.Time `json:"last_event_time,omitempty"`
}

type EventInfo struct {
	ID              int64          `json:"id"`
	RunID           uuid.UUID      `json:"run_id"`
	PlateID         *int64         `json:"plate_id,omitempty"`
	CardUID         string         `json:"card_uid"`
	RawPlate        *string        `json:"raw_plate,omitempty"`
	NormalizedPlate *string        `json:"normalized_plate,omitempty"`
	VehicleClass    *string        `json:"vehicle_class,omitempty"`
	Confidence      *float64       `json:"confidence,omitempty"`
	Success         bool           `json:"success"`
	Stage           *string        `json:"stage,omitempty"`
	Message         string         `json:"message"`
	Response        datatypes.JSON `json:"response,omitempty"`
	EventTime       time.Time      `json:"event_time"`
}
