package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
)

// MessageKind tags a frame on the session channel.
type MessageKind string

const (
	// session -> supervisor
	KindGetMessages      MessageKind = "getMessages"
	KindGlucose          MessageKind = "glucose"
	KindMessageProcessed MessageKind = "messageProcessed"
	KindCalibrationData  MessageKind = "calibrationData"
	KindBatteryStatus    MessageKind = "batteryStatus"
	KindSawTransmitter   MessageKind = "sawTransmitter"
	KindBackfillData     MessageKind = "backfillData"

	// supervisor -> session
	KindMessages MessageKind = "messages"
)

// Frame is one newline-delimited JSON message.
type Frame struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a decoded inbound frame.
type Message interface {
	Kind() MessageKind
}

type GetMessages struct{}

type Glucose struct {
	Reading cgm.Reading
}

type MessageProcessed struct {
	ID string
}

type CalibrationData struct {
	Time    time.Time
	Glucose int
}

type BatteryStatus struct {
	Status cgm.BatteryStatus
}

type SawTransmitter struct {
	ID string
}

type BackfillData struct {
	Readings []cgm.Reading
}

func (GetMessages) Kind() MessageKind      { return KindGetMessages }
func (Glucose) Kind() MessageKind          { return KindGlucose }
func (MessageProcessed) Kind() MessageKind { return KindMessageProcessed }
func (CalibrationData) Kind() MessageKind  { return KindCalibrationData }
func (BatteryStatus) Kind() MessageKind    { return KindBatteryStatus }
func (SawTransmitter) Kind() MessageKind   { return KindSawTransmitter }
func (BackfillData) Kind() MessageKind     { return KindBackfillData }

// glucosePayload is the reading as the session process reports it.
type glucosePayload struct {
	ReadDate   time.Time `json:"readDate"`
	Filtered   float64   `json:"filtered"`
	Unfiltered float64   `json:"unfiltered"`
	Glucose    *int      `json:"glucose,omitempty"`
	State      string    `json:"state,omitempty"`
	Calibrated bool      `json:"calibrated"`
	RSSI       int       `json:"rssi,omitempty"`
}

func (p glucosePayload) reading() cgm.Reading {
	return cgm.Reading{
		ReadTime:         p.ReadDate,
		Filtered:         p.Filtered,
		Unfiltered:       p.Unfiltered,
		Glucose:          p.Glucose,
		DeviceState:      p.State,
		DeviceCalibrated: p.Calibrated,
		RSSI:             p.RSSI,
	}
}

type calibrationPayload struct {
	Date    time.Time `json:"date"`
	Glucose int       `json:"glucose"`
}

type batteryPayload struct {
	VoltageA    float64 `json:"voltagea"`
	VoltageB    float64 `json:"voltageb"`
	Resist      float64 `json:"resist"`
	Runtime     int     `json:"runtime"`
	Temperature float64 `json:"temperature"`
}

type processedPayload struct {
	ID string `json:"id,omitempty"`
}

type sawPayload struct {
	ID string `json:"id"`
}

// Decode turns a frame into its typed message.
func Decode(f Frame) (Message, error) {
	switch f.Kind {
	case KindGetMessages:
		return GetMessages{}, nil

	case KindGlucose:
		var p glucosePayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		if p.ReadDate.IsZero() {
			p.ReadDate = time.Now().UTC()
		}
		return Glucose{Reading: p.reading()}, nil

	case KindMessageProcessed:
		var p processedPayload
		if len(f.Payload) > 0 {
			// an empty or non-object payload still acknowledges the head
			_ = json.Unmarshal(f.Payload, &p)
		}
		return MessageProcessed{ID: p.ID}, nil

	case KindCalibrationData:
		var p calibrationPayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		return CalibrationData{Time: p.Date, Glucose: p.Glucose}, nil

	case KindBatteryStatus:
		var p batteryPayload
		if err := unmarshalPayload(f, &p); err != nil {
			return nil, err
		}
		return BatteryStatus{Status: cgm.BatteryStatus{
			Time:        time.Now().UTC(),
			VoltageA:    p.VoltageA,
			VoltageB:    p.VoltageB,
			Resistance:  p.Resist,
			Runtime:     p.Runtime,
			Temperature: p.Temperature,
		}}, nil

	case KindSawTransmitter:
		var p sawPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				// some sessions send the bare id string
				var id string
				if json.Unmarshal(f.Payload, &id) != nil {
					return nil, fmt.Errorf("decode %s payload: %w", f.Kind, err)
				}
				p.ID = id
			}
		}
		return SawTransmitter{ID: p.ID}, nil

	case KindBackfillData:
		var ps []glucosePayload
		if err := unmarshalPayload(f, &ps); err != nil {
			return nil, err
		}
		readings := make([]cgm.Reading, 0, len(ps))
		for _, p := range ps {
			if p.ReadDate.IsZero() {
				continue
			}
			readings = append(readings, p.reading())
		}
		cgm.SortReadings(readings)
		return BackfillData{Readings: readings}, nil

	default:
		return nil, fmt.Errorf("unknown message kind %q", f.Kind)
	}
}

func unmarshalPayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Kind)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// MessagesFrame carries the pending queue to the session.
func MessagesFrame(queue []cgm.PendingCommand) (Frame, error) {
	if queue == nil {
		queue = []cgm.PendingCommand{}
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return Frame{}, fmt.Errorf("encode messages: %w", err)
	}
	return Frame{Kind: KindMessages, Payload: data}, nil
}
