package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// TradeSource is the part of domain.TradeStore the archiver needs.
type TradeSource interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// PlanSource is the part of domain.TWAPStore the archiver needs.
type PlanSource interface {
	FindFinished(ctx context.Context, before time.Time) ([]domain.TWAPPlan, error)
	ListSlices(ctx context.Context, planID string) ([]domain.TWAPSlice, error)
	Delete(ctx context.Context, ids ...string) (int64, error)
}

// PlanRecord is one archived TWAP plan with its slice history.
type PlanRecord struct {
	Plan   domain.TWAPPlan    `json:"plan"`
	Slices []domain.TWAPSlice `json:"slices"`
}

// Archiver implements domain.Archiver: records older than the cutoff are
// written as one JSONL object per kind and then deleted from the store.
// Nothing is deleted unless the upload succeeded.
type Archiver struct {
	writer domain.BlobWriter
	trades TradeSource
	plans  PlanSource
	batch  int
}

// NewArchiver creates an Archiver. plans may be nil.
func NewArchiver(writer domain.BlobWriter, trades TradeSource, plans PlanSource) *Archiver {
	return &Archiver{writer: writer, trades: trades, plans: plans, batch: 500}
}

// ArchiveTrades uploads and prunes trades older than before. It returns the
// number of trades deleted.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	var buf bytes.Buffer
	enc := newEncoder(&buf)

	var count int
	for offset := 0; ; offset += a.batch {
		page, err := a.trades.List(ctx, domain.ListOpts{Until: &before, Limit: a.batch, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
		}
		for _, t := range page {
			if err := enc.Encode(t); err != nil {
				return 0, fmt.Errorf("s3blob: encode trade %s: %w", t.TradeID, err)
			}
		}
		count += len(page)
		if len(page) < a.batch {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}
	n, err := a.trades.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades prune (uploaded to %s): %w", path, err)
	}
	return n, nil
}

// ArchivePlans uploads finished TWAP plans idle since before, one line per
// plan with its slices, and deletes exactly the plans it uploaded.
func (a *Archiver) ArchivePlans(ctx context.Context, before time.Time) (int64, error) {
	if a.plans == nil {
		return 0, nil
	}
	plans, err := a.plans.FindFinished(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive plans query: %w", err)
	}
	if len(plans) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := newEncoder(&buf)
	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		slices, err := a.plans.ListSlices(ctx, p.PlanID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive plan %s slices: %w", p.PlanID, err)
		}
		if err := enc.Encode(PlanRecord{Plan: p, Slices: slices}); err != nil {
			return 0, fmt.Errorf("s3blob: encode plan %s: %w", p.PlanID, err)
		}
		ids = append(ids, p.PlanID)
	}

	path := archivePath("twap", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive plans upload: %w", err)
	}
	n, err := a.plans.Delete(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive plans prune (uploaded to %s): %w", path, err)
	}
	return n, nil
}

func newEncoder(buf *bytes.Buffer) *json.Encoder {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return enc
}

// archivePath partitions archives by cutoff day:
//
//	archive/trades/2025/01/31/20250131T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006/01/02"), before.Format("20060102T150405Z"))
}

var _ domain.Archiver = (*Archiver)(nil)
