package anpr

// Event is a typed hardware notification delivered to the gate orchestrator.
type Event interface {
	EventType() string
}

type CardConnected struct{}

type CardUIDPresented struct {
	UID string
}

type CardDisconnected struct{}

type CameraConnected struct{}

type CameraDisconnected struct{}

type CameraStreamReady struct {
	URL string
}

type CameraCaptureReady struct {
	URL string
}

func (CardConnected) EventType() string      { return "card_connected" }
func (CardUIDPresented) EventType() string   { return "card_uid" }
func (CardDisconnected) EventType() string   { return "card_disconnected" }
func (CameraConnected) EventType() string    { return "camera_connected" }
func (CameraDisconnected) EventType() string { return "camera_disconnected" }
func (CameraStreamReady) EventType() string  { return "camera_stream_url" }
func (CameraCaptureReady) EventType() string { return "camera_capture_url" }
