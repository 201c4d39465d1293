package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// HTTPStatusError maps a non-2xx response onto a VenueError. msg is the
// venue's own error text, if any.
func HTTPStatusError(venue, op string, status int, msg string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	cause := fmt.Errorf("HTTP %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return domain.NewVenueError(venue, op, domain.VenueRateLimited, cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.ConfigError{Venue: venue, Field: "credentials", Message: cause.Error()}
	case status >= 500:
		return domain.NewVenueError(venue, op, domain.VenueDisconnected, cause)
	default:
		return domain.NewVenueError(venue, op, domain.VenueRejected, cause)
	}
}

// TransportError classifies a failed round trip.
func TransportError(venue, op string, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return domain.NewVenueError(venue, op, domain.VenueTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return domain.NewVenueError(venue, op, domain.VenueDisconnected, err)
}
