package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRecord is wrapped by every validation failure returned from Validate
var ErrInvalidRecord = errors.New("invalid event record")

// EventType is the report category chosen by the operator
type EventType string

const (
	EventDowntime    EventType = "downtime"
	EventQuality     EventType = "quality"
	EventMaintenance EventType = "maintenance"
)

// EventTypes lists the closed set of accepted report categories
var EventTypes = []EventType{EventDowntime, EventQuality, EventMaintenance}

// ParseEventType accepts any casing ("DOWNTIME", "Downtime") and returns the canonical value
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidRecord, s)
	}
	return t, nil
}

func (t EventType) Valid() bool {
	switch t {
	case EventDowntime, EventQuality, EventMaintenance:
		return true
	}
	return false
}

// SyncState tags where a queued record is in its delivery lifecycle.
// Synced records are deleted, so only Pending and InFlight are ever persisted.
type SyncState string

const (
	StatePending  SyncState = "pending"
	StateInFlight SyncState = "in_flight"
	StateSynced   SyncState = "synced"
)

// EventRecord is the unit of work held by the outbox
type EventRecord struct {
	ID        string            `json:"id"`
	MachineID string            `json:"machine_id"`
	EventType EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
	State     SyncState         `json:"sync_state"`
}

// NewEventRecord builds a pending record with a fresh id and the current time
func NewEventRecord(machineID string, eventType EventType, payload map[string]string) EventRecord {
	if payload == nil {
		payload = map[string]string{}
	}
	return EventRecord{
		ID:        uuid.NewString(),
		MachineID: machineID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		State:     StatePending,
	}
}

// Validate checks the fields the producer is required to fill in
func (r EventRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.MachineID) == "" {
		return fmt.Errorf("%w: machine_id is required", ErrInvalidRecord)
	}
	if !r.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidRecord, r.EventType)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	return nil
}

// EstimateBytes approximates the serialized size, used for backlog telemetry
func (r EventRecord) EstimateBytes() int {
	n := len(r.ID) + len(r.MachineID) + len(r.EventType) + 64
	for k, v := range r.Payload {
		n += len(k) + len(v) + 6
	}
	return n
}
