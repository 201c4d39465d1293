package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
)

func TestBusFiltersByType(t *testing.T) {
	b := NewBus()
	all := b.Subscribe(4)
	orders := b.Subscribe(4, domain.EventOrderFilled, domain.EventOrderFailed)

	b.Emit(domain.EventPriceUpdate, "p")
	b.Emit(domain.EventOrderFilled, "f")

	assert.Len(t, all.C, 2)
	require.Len(t, orders.C, 1)
	evt := <-orders.C
	assert.Equal(t, domain.EventOrderFilled, evt.Event)
	assert.Equal(t, "f", evt.Data)
	assert.NotZero(t, evt.TS)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1)
	for range 3 {
		b.Emit(domain.EventOpportunity, nil)
	}
	assert.EqualValues(t, 2, s.Dropped())
	st := b.Stats()
	assert.EqualValues(t, 3, st.Published)
	assert.EqualValues(t, 2, st.Dropped)
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBus()
	s := b.Subscribe(1)
	s.Close()
	s.Close()
	_, ok := <-s.C
	assert.False(t, ok)
	b.Emit(domain.EventOpportunity, nil)
	assert.Equal(t, 0, b.Stats().Subscribers)

	b.Close()
	late := b.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}

type memSignalBus struct {
	mu  sync.Mutex
	got map[string][][]byte
}

func (m *memSignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got[channel] = append(m.got[channel], payload)
	return nil
}

func (m *memSignalBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (m *memSignalBus) count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got[channel])
}

func TestForward(t *testing.T) {
	b := NewBus()
	sb := &memSignalBus{got: make(map[string][][]byte)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(8)
	done := make(chan struct{})
	go func() {
		_ = Forward(ctx, sub, sb, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	b.Emit(domain.EventEngineAlert, map[string]string{"rule": "partial_fill"})
	require.Eventually(t, func() bool { return sb.count(Channel(domain.EventEngineAlert)) == 1 }, time.Second, 5*time.Millisecond)

	var evt struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	sb.mu.Lock()
	require.NoError(t, json.Unmarshal(sb.got["xarb:events:engine_alert"][0], &evt))
	sb.mu.Unlock()
	assert.Equal(t, "engine_alert", evt.Event)
	assert.Equal(t, "partial_fill", evt.Data["rule"])

	cancel()
	<-done
}
