package marketdata

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Mirror copies snapshots from updates into a shared BookMirror until ctx is
// cancelled or updates is closed. Mirror failures are logged and skipped.
func Mirror(ctx context.Context, updates <-chan domain.TopOfBook, mirror domain.BookMirror, ttl time.Duration, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "book_mirror"))
	var failures int
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := mirror.Store(ctx, snap, ttl); err != nil {
				failures++
				// First failure, then every hundredth.
				if failures%100 == 1 {
					logger.WarnContext(ctx, "mirror store failed",
						slog.String("exchange", snap.Exchange),
						slog.String("symbol", snap.Symbol),
						slog.Int("failures", failures),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
