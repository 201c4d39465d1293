package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// BookMirror implements domain.BookMirror. Each snapshot is a hash:
//
//	book:{exchange}:{SYMBOL} -> bid, bid_qty, ask, ask_qty, ts (unix ms), source
//
// A snapshot older than the stored one is not written.
type BookMirror struct {
	c *Client
}

// NewBookMirror creates a BookMirror.
func NewBookMirror(c *Client) *BookMirror {
	return &BookMirror{c: c}
}

func (m *BookMirror) bookKey(exchange, symbol string) string {
	return m.c.key("book", strings.ToLower(exchange), strings.ToUpper(symbol))
}

// storeLua writes the hash unless the stored ts is newer.
const storeLua = `
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[5]) then
    return 0
end
redis.call('HSET', KEYS[1], 'bid', ARGV[1], 'bid_qty', ARGV[2], 'ask', ARGV[3], 'ask_qty', ARGV[4], 'ts', ARGV[5], 'source', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 1
`

// Store writes snap with a ttl.
func (m *BookMirror) Store(ctx context.Context, snap domain.TopOfBook, ttl time.Duration) error {
	fields := encodeBook(snap)
	err := m.c.rdb.Eval(ctx, storeLua, []string{m.bookKey(snap.Exchange, snap.Symbol)},
		fields["bid"], fields["bid_qty"], fields["ask"], fields["ask_qty"], fields["ts"], fields["source"],
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: mirror %s/%s: %w", snap.Exchange, snap.Symbol, err)
	}
	return nil
}

// Load reads a mirrored snapshot. It returns domain.ErrNotFound when the
// key is absent or expired.
func (m *BookMirror) Load(ctx context.Context, exchange, symbol string) (domain.TopOfBook, error) {
	vals, err := m.c.rdb.HGetAll(ctx, m.bookKey(exchange, symbol)).Result()
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: load book %s/%s: %w", exchange, symbol, err)
	}
	if len(vals) == 0 {
		return domain.TopOfBook{}, fmt.Errorf("book %s/%s: %w", exchange, symbol, domain.ErrNotFound)
	}
	snap, err := decodeBook(strings.ToLower(exchange), strings.ToUpper(symbol), vals)
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: decode book %s/%s: %w", exchange, symbol, err)
	}
	return snap, nil
}

func encodeBook(snap domain.TopOfBook) map[string]string {
	return map[string]string{
		"bid":     snap.BidPrice.String(),
		"bid_qty": snap.BidQty.String(),
		"ask":     snap.AskPrice.String(),
		"ask_qty": snap.AskQty.String(),
		"ts":      strconv.FormatInt(snap.ObservedAt.UnixMilli(), 10),
		"source":  string(snap.Source),
	}
}

func decodeBook(exchange, symbol string, vals map[string]string) (domain.TopOfBook, error) {
	snap := domain.TopOfBook{Exchange: exchange, Symbol: symbol, Source: domain.BookSource(vals["source"])}
	for field, dst := range map[string]*decimal.Decimal{
		"bid":     &snap.BidPrice,
		"bid_qty": &snap.BidQty,
		"ask":     &snap.AskPrice,
		"ask_qty": &snap.AskQty,
	} {
		v, err := decimal.NewFromString(vals[field])
		if err != nil {
			return snap, fmt.Errorf("field %s: %w", field, err)
		}
		*dst = v
	}
	ms, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return snap, fmt.Errorf("field ts: %w", err)
	}
	snap.ObservedAt = time.UnixMilli(ms).UTC()
	return snap, nil
}

var _ domain.BookMirror = (*BookMirror)(nil)
