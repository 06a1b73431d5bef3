package domain

import "time"

type EventKind string

const (
	EventFeature      EventKind = "feature"
	EventSignalOpened EventKind = "signal_opened"
	EventSignalClosed EventKind = "signal_closed"
	EventAlert        EventKind = "alert"
)

// Event is the flat record a lane publishes for downstream consumers.
type Event struct {
	Kind    EventKind `json:"kind"`
	Source  string    `json:"source"`
	Ticker  string    `json:"ticker"`
	At      time.Time `json:"at"`
	Feature *Feature  `json:"feature,omitempty"`
	Signal  *Signal   `json:"signal,omitempty"`
	Alert   *Alert    `json:"alert,omitempty"`
}
