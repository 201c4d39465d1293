package domain

import "time"

// Venue names supported by the exchange registry.
const (
	VenueBybit   = "bybit"
	VenueBinance = "binance"
)

// InstrumentType selects the market segment on a venue.
type InstrumentType string

const (
	InstrumentSpot   InstrumentType = "spot"
	InstrumentLinear InstrumentType = "linear"
)

// Valid reports whether t is a known instrument type.
func (t InstrumentType) Valid() bool {
	return t == InstrumentSpot || t == InstrumentLinear
}

// NormalizeInstrument maps the aliases accepted by the API ("future",
// "futures", empty) onto the canonical instrument types.
func NormalizeInstrument(s string) InstrumentType {
	switch s {
	case "linear", "future", "futures", "perp":
		return InstrumentLinear
	case "", "spot":
		return InstrumentSpot
	}
	return InstrumentType(s)
}

// ConnState is the lifecycle state of a venue's streaming connection.
type ConnState string

const (
	ConnIdle         ConnState = "idle"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnDisconnected ConnState = "disconnected"
)

// VenueConnection is the per-exchange connection state. It is owned by the
// exchange adapter; everyone else sees copies.
type VenueConnection struct {
	Exchange          string    `json:"exchange"`
	Connected         bool      `json:"connected"`
	PublicOnly        bool      `json:"publicOnly"`
	State             ConnState `json:"state"`
	LastError         string    `json:"lastError,omitempty"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	RateBudget        int       `json:"rateBudget"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
