package marketdata

import (
	"context"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
)

// Broadcast publishes a price_update event for snapshots from updates until
// ctx is cancelled or updates is closed. At most one event per book is sent
// every minGap; zero publishes every snapshot.
func Broadcast(ctx context.Context, updates <-chan domain.TopOfBook, pub events.Publisher, minGap time.Duration) error {
	last := make(map[domain.BookKey]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if minGap > 0 {
				key := snap.Key()
				if at, seen := last[key]; seen && snap.ObservedAt.Sub(at) < minGap {
					continue
				}
				last[key] = snap.ObservedAt
			}
			pub.Publish(domain.NewEvent(domain.EventPriceUpdate, domain.ViewOf(snap)))
		}
	}
}
