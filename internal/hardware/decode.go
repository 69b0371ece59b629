// Package hardware receives card reader and camera events from the MQTT bus
// and turns them into typed events for the gate service.
package hardware

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gate-controller/internal/domain/anpr"
)

const (
	DefaultCardTopic   = "esp32c3"
	DefaultCameraTopic = "esp32cam"
)

var (
	ErrMalformedPayload = errors.New("malformed hardware payload")
	ErrUnknownEvent     = errors.New("unknown hardware event")
	ErrUnknownTopic     = errors.New("unknown hardware topic")
)

type Topics struct {
	Card   string
	Camera string
}

func DefaultTopics() Topics {
	return Topics{Card: DefaultCardTopic, Camera: DefaultCameraTopic}
}

// message is the payload every device publishes.
type message struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// Decode maps one bus message to an event. Event names are matched
// case-insensitively; UIDs and URLs are trimmed and must not be empty.
func (t Topics) Decode(topic string, payload []byte) (anpr.Event, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	name := strings.ToLower(strings.TrimSpace(msg.Event))
	data := strings.TrimSpace(msg.Data)

	switch topic {
	case t.Card:
		switch name {
		case "connected":
			return anpr.CardConnected{}, nil
		case "disconnected":
			return anpr.CardDisconnected{}, nil
		case "uid":
			if data == "" {
				return nil, fmt.Errorf("%w: uid event without data", ErrMalformedPayload)
			}
			return anpr.CardUIDPresented{UID: data}, nil
		}
	case t.Camera:
		switch name {
		case "connected":
			return anpr.CameraConnected{}, nil
		case "disconnected":
			return anpr.CameraDisconnected{}, nil
		case "stream_url":
			if data == "" {
				return nil, fmt.Errorf("%w: stream_url event without data", ErrMalformedPayload)
			}
			return anpr.CameraStreamReady{URL: data}, nil
		case "capture_url":
			if data == "" {
				return nil, fmt.Errorf("%w: capture_url event without data", ErrMalformedPayload)
			}
			return anpr.CameraCaptureReady{URL: data}, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return nil, fmt.Errorf("%w: %q on %q", ErrUnknownEvent, msg.Event, topic)
}
