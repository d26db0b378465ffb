// Package notify carries fire-and-forget events to live consumers: browser
// clients over websocket and home-automation over MQTT.
package notify

import (
	"time"
)

// Kind names an event.
type Kind string

const (
	KindGlucose         Kind = "glucose"
	KindCalibrationData Kind = "calibrationData"
	KindPending         Kind = "pending"
	KindID              Kind = "id"
	KindBattery         Kind = "batteryStatus"
	KindSawTransmitter  Kind = "sawTransmitter"
)

// Event is one notification. Payload must be JSON-encodable.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, payload any) Event {
	return Event{Kind: kind, Time: time.Now().UTC(), Payload: payload}
}

// Notifier receives events. Implementations must not block the caller.
type Notifier interface {
	Notify(e Event)
}

// Func adapts a function to Notifier.
type Func func(e Event)

func (f Func) Notify(e Event) { f(e) }

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}

// Discard drops every event.
var Discard Notifier = Func(func(Event) {})
