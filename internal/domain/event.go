package domain

import "time"

// EventType names a WebSocket/bus event.
type EventType string

const (
	EventPriceUpdate    EventType = "price_update"
	EventOpportunity    EventType = "opportunity"
	EventOrderSubmitted EventType = "order_submitted"
	EventOrderFilled    EventType = "order_filled"
	EventOrderFailed    EventType = "order_failed"
	EventTWAPProgress   EventType = "twap_progress"
	EventEngineAlert    EventType = "engine_alert"
)

// AllEvents lists every event type, in the order clients are told about them.
var AllEvents = []EventType{
	EventPriceUpdate,
	EventOpportunity,
	EventOrderSubmitted,
	EventOrderFilled,
	EventOrderFailed,
	EventTWAPProgress,
	EventEngineAlert,
}

// Event is the envelope pushed to subscribers.
type Event struct {
	Event EventType `json:"event"`
	Data  any       `json:"data"`
	TS    int64     `json:"ts"`
}

// NewEvent stamps data with the current time.
func NewEvent(t EventType, data any) Event {
	return Event{Event: t, Data: data, TS: time.Now().UnixMilli()}
}

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for filtering.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Alert is raised by telemetry rules or directly by components.
type Alert struct {
	Rule     string    `json:"rule"`
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Exchange string    `json:"exchange,omitempty"`
	PairID   string    `json:"pairId,omitempty"`
	TradeID  string    `json:"tradeId,omitempty"`
	TS       time.Time `json:"ts"`
}

// Subject identifies what the alert is about, for cooldown bookkeeping.
func (a Alert) Subject() string {
	switch {
	case a.TradeID != "":
		return a.Rule + "/" + a.TradeID
	case a.PairID != "":
		return a.Rule + "/" + a.PairID
	case a.Exchange != "":
		return a.Rule + "/" + a.Exchange
	}
	return a.Rule
}
