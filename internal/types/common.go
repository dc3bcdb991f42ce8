// Package types provides shared types used across the nma-pipeline codebase
package types

import (
	"encoding/json"
	"fmt"
)

// Value is an opaque JSON payload held by a slot
type Value = json.RawMessage

// SlotName identifies a slot in a session store
type SlotName string

// StageID identifies a pipeline stage
type StageID string

// Version is a slot write counter. Zero means the slot was never written.
type Version uint64

// Unset is the version reported for slots that hold no write yet
const Unset Version = 0

// StatusKind is the discriminator of a StageStatus
type StatusKind string

const (
	// StatusIdle indicates the stage has no run for its current input
	StatusIdle StatusKind = "idle"
	// StatusRunning indicates an analysis call is in flight
	StatusRunning StatusKind = "running"
	// StatusDone indicates the stage completed for its trigger version
	StatusDone StatusKind = "done"
	// StatusFailed indicates the last attempt failed
	StatusFailed StatusKind = "failed"
	// StatusBlocked is a derived view status: an upstream stage has not produced output
	StatusBlocked StatusKind = "blocked"
)

// StageStatus is the state of one stage run. It is a closed set:
// Idle, Running, Done and Failed.
type StageStatus interface {
	Kind() StatusKind
	isStageStatus()
}

// Idle is the status of a stage that has not started for its current trigger
type Idle struct{}

// Running is the status of a stage with an analysis call in flight
type Running struct {
	Progress *Progress
}

// Done is the status of a stage whose outputs were written
type Done struct{}

// Failed is the status of a stage whose last attempt returned an error
type Failed struct {
	Err error
}

func (Idle) Kind() StatusKind    { return StatusIdle }
func (Running) Kind() StatusKind { return StatusRunning }
func (Done) Kind() StatusKind    { return StatusDone }
func (Failed) Kind() StatusKind  { return StatusFailed }

func (Idle) isStageStatus()    {}
func (Running) isStageStatus() {}
func (Done) isStageStatus()    {}
func (Failed) isStageStatus()  {}

// Progress reports how many sub-units (one per outcome) of a stage are finished
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Marker is the persisted done-marker of a stage
type Marker struct {
	Status         StatusKind `json:"status"`
	TriggerVersion Version    `json:"trigger_version"`
}

// DoneMarker returns the marker written when a stage succeeds for trigger version v
func DoneMarker(v Version) Marker {
	return Marker{Status: StatusDone, TriggerVersion: v}
}

// IsDoneFor reports whether the marker records a successful run for trigger version v
func (m Marker) IsDoneFor(v Version) bool {
	return m.Status == StatusDone && v != Unset && m.TriggerVersion == v
}

// ErrorRecord is the last failure of a stage
type ErrorRecord struct {
	Stage             StageID `json:"stage"`
	Message           string  `json:"message"`
	OccurredAtVersion Version `json:"occurred_at_version"`
}

// Table is the wire form of a dataframe: column names, row index and row-major cells
type Table struct {
	Columns []string `json:"columns"`
	Index   []any    `json:"index"`
	Data    [][]any  `json:"data"`
}

// Rows returns the number of data rows
func (t Table) Rows() int {
	return len(t.Data)
}

// Encode marshals v into a slot value
func Encode(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return Value(b), nil
}

// MustEncode is Encode for values that cannot fail to marshal (literals, tables, markers)
func MustEncode(v any) Value {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode unmarshals a slot value into dst
func Decode(v Value, dst any) error {
	if len(v) == 0 {
		return fmt.Errorf("decode value: empty payload")
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}
