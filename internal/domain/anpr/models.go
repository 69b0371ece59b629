package anpr

import (
	"image"
	"math"
	"time"

	"github.com/google/uuid"
)

type VehicleClass string

const (
	TwoWheeler  VehicleClass = "two_wheeler"
	FourWheeler VehicleClass = "four_wheeler"
)

// BoundingBox is an axis-aligned pixel rectangle, X1 < X2 and Y1 < Y2 once clamped.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2.0, float64(b.Y1+b.Y2) / 2.0
}

// CenterDistance returns the Euclidean distance between the two box centers.
func (b BoundingBox) CenterDistance(o BoundingBox) float64 {
	bx, by := b.Center()
	ox, oy := o.Center()
	return math.Hypot(bx-ox, by-oy)
}

// Clamp fits the box inside bounds, keeping at least one pixel in each dimension.
func (b BoundingBox) Clamp(bounds image.Rectangle) BoundingBox {
	w, h := bounds.Dx(), bounds.Dy()
	x1 := max(0, min(b.X1, w-1))
	y1 := max(0, min(b.Y1, h-1))
	x2 := max(x1+1, min(b.X2, w))
	y2 := max(y1+1, min(b.Y2, h))
	return BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Expand grows the box by margin pixels on every side and clamps it to bounds.
func (b BoundingBox) Expand(margin int, bounds image.Rectangle) BoundingBox {
	return BoundingBox{
		X1: b.X1 - margin,
		Y1: b.Y1 - margin,
		X2: b.X2 + margin,
		Y2: b.Y2 + margin,
	}.Clamp(bounds)
}

// Rect translates the box into the coordinate space of bounds.
func (b BoundingBox) Rect(bounds image.Rectangle) image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2).Add(bounds.Min)
}

func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

type DetectionCandidate struct {
	BBox       BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
}

// ExtractedPlate is the immutable result of a successful extraction run.
type ExtractedPlate struct {
	RawText        string       `json:"raw_text"`
	NormalizedText string       `json:"normalized_text"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	Confidence     float64      `json:"confidence"`
	BBox           BoundingBox  `json:"bbox"`
	CroppedImage   image.Image  `json:"-"`
}

type RunStatus string

const (
	RunCapturing  RunStatus = "capturing"
	RunExtracting RunStatus = "extracting"
	RunVerifying  RunStatus = "verifying"
	RunDone       RunStatus = "done"
	RunFailed     RunStatus = "failed"
)

// ProcessingContext tracks one gate event from card presentation to backend confirmation.
type ProcessingContext struct {
	RunID         uuid.UUID
	CardUID       string
	CapturedImage []byte
	Plate         *ExtractedPlate
	Status        RunStatus
	StartedAt     time.Time
}

type Mode string

const (
	ModeStatus     Mode = "status"
	ModeRegister   Mode = "register"
	ModeUnregister Mode = "unregister"
	ModeCreate     Mode = "create"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeStatus, ModeRegister, ModeUnregister, ModeCreate:
		return true
	}
	return false
}

// MonthlyRegistration carries the form filled in before a card is presented in register mode.
type MonthlyRegistration struct {
	Name    string `json:"monthly_user_name"`
	Phone   string `json:"monthly_user_phone"`
	Address string `json:"monthly_user_address"`
	Months  int    `json:"months"`
}
