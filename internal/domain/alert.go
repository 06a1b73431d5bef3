package domain

import "time"

type AlertType string

const (
	AlertSignalNew   AlertType = "SIGNAL_NEW"
	AlertSignalTPHit AlertType = "SIGNAL_TP_HIT"
	AlertSignalSLHit AlertType = "SIGNAL_SL_HIT"
	AlertPriceSpike  AlertType = "PRICE_SPIKE"
	AlertSpreadHigh  AlertType = "SPREAD_HIGH"
	AlertQuoteStale  AlertType = "QUOTE_STALE"
	AlertDataError   AlertType = "DATA_ERROR"
)

type AlertPriority string

const (
	PriorityHigh   AlertPriority = "HIGH"
	PriorityMedium AlertPriority = "MEDIUM"
	PriorityLow    AlertPriority = "LOW"
)

var alertPriorities = map[AlertType]AlertPriority{
	AlertSignalNew:   PriorityHigh,
	AlertSignalTPHit: PriorityMedium,
	AlertSignalSLHit: PriorityMedium,
	AlertPriceSpike:  PriorityHigh,
	AlertSpreadHigh:  PriorityMedium,
	AlertQuoteStale:  PriorityLow,
	AlertDataError:   PriorityHigh,
}

// DefaultPriority returns the priority an alert type is raised with.
func (t AlertType) DefaultPriority() AlertPriority {
	if p, ok := alertPriorities[t]; ok {
		return p
	}
	return PriorityMedium
}

type Alert struct {
	ID           int64          `json:"id"`
	Timestamp    time.Time      `json:"ts"`
	Type         AlertType      `json:"type"`
	Priority     AlertPriority  `json:"priority"`
	Source       string         `json:"source"`
	Ticker       string         `json:"ticker"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
}

type AlertFilter struct {
	Ticker      string
	Type        AlertType
	UnackedOnly bool
	Limit       int
}
