package anpr

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NoticeKind string

const (
	NoticeDevice   NoticeKind = "device"
	NoticeCard     NoticeKind = "card"
	NoticeCaptured NoticeKind = "captured"
	NoticePlate    NoticeKind = "plate"
	NoticeGate     NoticeKind = "gate"
	NoticeAdmin    NoticeKind = "admin"
	NoticeMode     NoticeKind = "mode"
)

type Device string

const (
	DeviceCardReader Device = "card_reader"
	DeviceCamera     Device = "camera"
)

// Notice is a UI-facing status event emitted by the orchestrator.
type Notice struct {
	ID           uuid.UUID       `json:"id"`
	Kind         NoticeKind      `json:"kind"`
	Time         time.Time       `json:"time"`
	RunID        *uuid.UUID      `json:"run_id,omitempty"`
	Device       Device          `json:"device,omitempty"`
	Connected    *bool           `json:"connected,omitempty"`
	Mode         Mode            `json:"mode,omitempty"`
	CardUID      string          `json:"card_uid,omitempty"`
	Plate        string          `json:"plate,omitempty"`
	VehicleClass VehicleClass    `json:"vehicle_class,omitempty"`
	Confidence   float64         `json:"confidence,omitempty"`
	Success      bool            `json:"success"`
	Message      string          `json:"message,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// GateOutcome is the terminal record of one status-mode run, persisted by the journal.
type GateOutcome struct {
	RunID        uuid.UUID
	CardUID      string
	RawPlate     string
	Plate        string
	VehicleClass VehicleClass
	Confidence   float64
	Success      bool
	Stage        string
	Message      string
	Response     json.RawMessage
	EventTime    time.Time
}
