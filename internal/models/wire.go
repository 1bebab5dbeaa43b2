package models

import (
	"encoding/json"
	"time"
)

// WireEvent is the JSON body the ingestion service expects.
// The sync state never leaves the device.
type WireEvent struct {
	ID        string            `json:"id"`
	MachineID string            `json:"machine_id"`
	EventType EventType         `json:"event_type"`
	Timestamp string            `json:"timestamp"` // ISO-8601, UTC
	Payload   map[string]string `json:"payload"`
}

func (r EventRecord) Wire() WireEvent {
	payload := r.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	return WireEvent{
		ID:        r.ID,
		MachineID: r.MachineID,
		EventType: r.EventType,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

// MarshalWire serializes the record in the remote wire format
func (r EventRecord) MarshalWire() ([]byte, error) {
	return json.Marshal(r.Wire())
}
