package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// ChannelPrefix namespaces forwarded events on the shared signal bus.
const ChannelPrefix = "xarb:events:"

// Channel returns the signal bus channel an event type is forwarded to.
func Channel(t domain.EventType) string {
	return ChannelPrefix + string(t)
}

// Forward copies events from sub onto a cross-process SignalBus as JSON
// until ctx ends or sub is closed. Publish errors are logged and skipped.
func Forward(ctx context.Context, sub *Subscription, bus domain.SignalBus, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "event_forwarder"))
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				logger.Warn("marshal event failed", slog.String("event", string(evt.Event)), slog.String("error", err.Error()))
				continue
			}
			if err := bus.Publish(ctx, Channel(evt.Event), payload); err != nil {
				logger.WarnContext(ctx, "forward event failed",
					slog.String("event", string(evt.Event)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
