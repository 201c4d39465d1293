package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLockHeld          = errors.New("lock already held")
	ErrDuplicate         = errors.New("duplicate submission")
	ErrWSDisconnect      = errors.New("websocket disconnected")
)

// Error codes carried in the API envelope and on failed legs.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstream            = "UPSTREAM_ERROR"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeRiskRejected        = "RISK_REJECTED"
	CodeExchangeUnavailable = "EXCHANGE_UNAVAILABLE"
	CodeConfig              = "CONFIG_ERROR"
	CodeConflict            = "CONFLICT"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCodeHeader repeats the envelope error code on failed API responses.
const ErrorCodeHeader = "X-Error-Code"

// ConfigError reports missing or invalid credentials or definitions.
type ConfigError struct {
	Venue   string
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Venue != "" {
		return fmt.Sprintf("config error: %s: %s: %s", e.Venue, e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// VenueErrorKind subdivides transport and protocol failures.
type VenueErrorKind string

const (
	VenueRateLimited  VenueErrorKind = "rate_limited"
	VenueRejected     VenueErrorKind = "rejected"
	VenueTimeout      VenueErrorKind = "timeout"
	VenueDisconnected VenueErrorKind = "disconnected"
)

// VenueError is a failure reported by, or on the way to, an exchange.
type VenueError struct {
	Venue string
	Op    string
	Kind  VenueErrorKind
	Err   error
}

func (e *VenueError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError builds a VenueError.
func NewVenueError(venue, op string, kind VenueErrorKind, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Kind: kind, Err: err}
}

// RiskRejection is returned when a pre-trade policy check fails. No order has
// been sent when it is returned.
type RiskRejection struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Check, e.Message)
}

// ValidationError reports malformed input detected before any I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// CodeOf maps an error onto its envelope code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve   *ValidationError
		rr   *RiskRejection
		ce   *ConfigError
		vnue *VenueError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &rr):
		return CodeRiskRejected
	case errors.As(err, &ce):
		return CodeConfig
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.As(err, &vnue):
		switch vnue.Kind {
		case VenueRateLimited:
			return CodeRateLimited
		case VenueDisconnected:
			return CodeExchangeUnavailable
		default:
			return CodeUpstream
		}
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate):
		return CodeConflict
	case errors.Is(err, ErrLockHeld):
		return CodeRiskRejected
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status used for an envelope code.
func HTTPStatus(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeInsufficientFunds, CodeRiskRejected:
		return http.StatusUnprocessableEntity
	case CodeExchangeUnavailable:
		return http.StatusServiceUnavailable
	case CodeConfig:
		return http.StatusPreconditionFailed
	case CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
