package engine

import "time"

type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventAssetStarted  EventType = "asset_started"
	EventAssetFinished EventType = "asset_finished"
	EventRunFinished   EventType = "run_finished"
)

// Event is a state change reported to Options.Observer. Events of one run are
// delivered from a single goroutine, in order.
type Event struct {
	Type       EventType   `json:"type"`
	RunID      string      `json:"run_id"`
	Job        string      `json:"job,omitempty"`
	Asset      string      `json:"asset,omitempty"`
	Status     AssetStatus `json:"status,omitempty"`
	StorageKey string      `json:"storage_key,omitempty"`
	Error      string      `json:"error,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	Time       time.Time   `json:"time"`
}
