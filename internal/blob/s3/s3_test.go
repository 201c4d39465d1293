package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/store/memory"
)

type blobs struct {
	objects map[string][]byte
	err     error
}

func (b *blobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.err != nil {
		return b.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[path] = raw
	return nil
}

func seed(t *testing.T, store *memory.TradeStore, now time.Time) {
	t.Helper()
	for i := range 7 {
		require.NoError(t, store.Save(context.Background(), domain.TradeRecord{
			TradeID:   fmt.Sprintf("t%d", i),
			Status:    domain.TradeCompleted,
			CreatedAt: now.Add(-time.Duration(i) * 24 * time.Hour),
		}))
	}
}

func TestArchiveTradesUploadsThenPrunes(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store := memory.NewTradeStore()
	seed(t, store, now)
	w := &blobs{}
	a := NewArchiver(w, store, nil)
	a.batch = 2

	cutoff := now.Add(-36 * time.Hour)
	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	raw, ok := w.objects["archive/trades/2025/03/09/20250309T000000Z.jsonl"]
	require.True(t, ok, "objects: %v", w.objects)
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var tr domain.TradeRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tr))
		ids = append(ids, tr.TradeID)
	}
	assert.ElementsMatch(t, []string{"t2", "t3", "t4", "t5", "t6"}, ids)

	left, _ := store.List(context.Background(), domain.ListOpts{})
	assert.Len(t, left, 2)
}

func TestArchiveKeepsTradesWhenUploadFails(t *testing.T) {
	now := time.Now()
	store := memory.NewTradeStore()
	seed(t, store, now)
	a := NewArchiver(&blobs{err: errors.New("503")}, store, nil)

	_, err := a.ArchiveTrades(context.Background(), now)
	require.Error(t, err)
	left, _ := store.List(context.Background(), domain.ListOpts{})
	assert.Len(t, left, 7)
}

func TestArchiveNothingToDo(t *testing.T) {
	w := &blobs{}
	n, err := NewArchiver(w, memory.NewTradeStore(), nil).ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestArchivePlansWithSlices(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-10 * 24 * time.Hour)
	store := memory.NewTWAPStore()
	for _, p := range []domain.TWAPPlan{
		{PlanID: "done", State: domain.PlanCompleted, CreatedAt: old, LastExecutionAt: &old},
		{PlanID: "cancelled", State: domain.PlanCancelled, CreatedAt: old},
		{PlanID: "paused", State: domain.PlanPaused, CreatedAt: old},
		{PlanID: "recent", State: domain.PlanCompleted, CreatedAt: old, LastExecutionAt: &now},
	} {
		require.NoError(t, store.Save(ctx, p))
	}
	require.NoError(t, store.AppendSlice(ctx, domain.TWAPSlice{PlanID: "done", SliceIndex: 0, TradeID: "t1", Status: domain.TradeCompleted}))
	require.NoError(t, store.AppendSlice(ctx, domain.TWAPSlice{PlanID: "done", SliceIndex: 1, TradeID: "t2", Status: domain.TradeFailed}))

	w := &blobs{}
	n, err := NewArchiver(w, memory.NewTradeStore(), store).ArchivePlans(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	raw, ok := w.objects["archive/twap/2025/03/09/20250309T120000Z.jsonl"]
	require.True(t, ok, "objects: %v", w.objects)
	got := map[string]int{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var rec PlanRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		got[rec.Plan.PlanID] = len(rec.Slices)
	}
	assert.Equal(t, map[string]int{"done": 2, "cancelled": 0}, got)

	left, _ := store.List(ctx, domain.ListOpts{})
	var ids []string
	for _, p := range left {
		ids = append(ids, p.PlanID)
	}
	assert.ElementsMatch(t, []string{"paused", "recent"}, ids)
	slices, _ := store.ListSlices(ctx, "done")
	assert.Empty(t, slices)
}

func TestArchivePlansKeepsPlansWhenUploadFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewTWAPStore()
	require.NoError(t, store.Save(ctx, domain.TWAPPlan{PlanID: "done", State: domain.PlanCompleted, CreatedAt: time.Now().Add(-time.Hour)}))

	_, err := NewArchiver(&blobs{err: errors.New("503")}, memory.NewTradeStore(), store).ArchivePlans(ctx, time.Now())
	require.Error(t, err)
	_, err = store.FindByID(ctx, "done")
	assert.NoError(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}
