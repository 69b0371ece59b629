package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"gate-controller/internal/domain/anpr"
)

const maxEventsPage = 100

type GateRepository struct {
	db *gorm.DB
}

func NewGateRepository(db *gorm.DB) *GateRepository {
	return &GateRepository{db: db}
}

type Plate struct {
	ID           int64  `gorm:"primaryKey"`
	Number       string `gorm:"not null"`
	Normalized   string `gorm:"not null;uniqueIndex"`
	VehicleClass string `gorm:"not null"`
	CreatedAt    time.Time
}

type GateEvent struct {
	ID              int64     `gorm:"primaryKey"`
	RunID           uuid.UUID `gorm:"type:uuid;not null"`
	PlateID         *int64
	CardUID         string `gorm:"not null"`
	RawPlate        *string
	NormalizedPlate *string
	VehicleClass    *string
	Confidence      *float64
	Success         bool `gorm:"not null"`
	Stage           *string
	Message         string         `gorm:"not null"`
	Response        datatypes.JSON `gorm:"type:jsonb"`
	EventTime       time.Time      `gorm:"not null"`
	CreatedAt       time.Time
}

// EventFilter narrows FindEvents. Nil fields are not applied.
type EventFilter struct {
	NormalizedPlate *string
	CardUID         *string
	Success         *bool
	From            *time.Time
	To              *time.Time
	Limit           int
	Offset          int
}

func (r *GateRepository) GetOrCreatePlate(ctx context.Context, normalized, original string, class anpr.VehicleClass) (int64, error) {
	var plate Plate
	err := r.db.WithContext(ctx).Where("normalized = ?", normalized).First(&plate).Error
	if err == nil {
		return plate.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	plate = Plate{
		Number:       original,
		Normalized:   normalized,
		VehicleClass: string(class),
		CreatedAt:    time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&plate).Error; err != nil {
		return 0, err
	}
	return plate.ID, nil
}

// CreateGateEvent stores one terminal gate outcome and fills in event.ID.
func (r *GateRepository) CreateGateEvent(ctx context.Context, event *GateEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *GateRepository) FindPlatesByNormalized(ctx context.Context, normalized string) ([]Plate, error) {
	var plates []Plate
	err := r.db.WithContext(ctx).
		Where("normalized = ?", normalized).
		Find(&plates).Error
	return plates, err
}

func (r *GateRepository) FindEvents(ctx context.Context, f EventFilter) ([]GateEvent, error) {
	var events []GateEvent
	err := eventsQuery(r.db.WithContext(ctx), f).Find(&events).Error
	return events, err
}

func eventsQuery(tx *gorm.DB, f EventFilter) *gorm.DB {
	query := tx.Model(&GateEvent{})

	if f.NormalizedPlate != nil {
		query = query.Where("normalized_plate = ?", *f.NormalizedPlate)
	}
	if f.CardUID != nil {
		query = query.Where("card_uid = ?", *f.CardUID)
	}
	if f.Success != nil {
		query = query.Where("success = ?", *f.Success)
	}
	if f.From != nil {
		query = query.Where("event_time >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("event_time <= ?", *f.To)
	}

	query = query.Order("event_time DESC")

	if f.Limit > 0 {
		query = query.Limit(min(f.Limit, maxEventsPage))
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}
	return query
}

func (r *GateRepository) GetLastEventTimeForPlate(ctx context.Context, plateID int64) (*time.Time, error) {
	var event GateEvent
	err := r.db.WithContext(ctx).
		Where("plate_id = ?", plateID).
		Order("event_time DESC").
		First(&event).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &event.EventTime, nil
}

// DeleteOldEvents removes events older than days and returns how many were deleted.
func (r *GateRepository) DeleteOldEvents(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).
		Where("event_time < ?", cutoff).
		Delete(&GateEvent{})
	return res.RowsAffected, res.Error
}
