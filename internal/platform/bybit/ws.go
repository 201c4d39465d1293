package bybit

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

// bookDepth is the orderbook depth subscribed on the public stream.
const bookDepth = 1

// topicFor returns the public orderbook topic for a symbol.
func topicFor(symbol string) string {
	return "orderbook." + strconv.Itoa(bookDepth) + "." + strings.ToUpper(symbol)
}

// bookProtocol speaks the v5 public orderbook stream and keeps the level-1
// state per symbol so deltas can be applied.
type bookProtocol struct {
	sink   exchange.BookSink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	books map[string]*level1
}

type level1 struct {
	bid, bidQty decimal.Decimal
	ask, askQty decimal.Decimal
}

func newBookProtocol(sink exchange.BookSink, logger *slog.Logger) *bookProtocol {
	return &bookProtocol{
		sink:   sink,
		logger: logger,
		now:    time.Now,
		books:  make(map[string]*level1),
	}
}

func (p *bookProtocol) SubscribeFrames(topics []string) ([][]byte, error) {
	// Bybit caps spot subscriptions at 10 args per request.
	var frames [][]byte
	for i := 0; i < len(topics); i += 10 {
		end := min(i+10, len(topics))
		b, err := json.Marshal(wsOp{Op: "subscribe", Args: topics[i:end]})
		if err != nil {
			return nil, err
		}
		frames = append(frames, b)
	}
	return frames, nil
}

func (p *bookProtocol) PingFrame() []byte {
	return []byte(`{"op":"ping"}`)
}

func (p *bookProtocol) Handle(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.logger.Debug("bybit ws: undecodable frame", slog.String("error", err.Error()))
		return
	}
	if msg.Op != "" {
		if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
			p.logger.Warn("bybit ws: subscribe rejected", slog.String("ret_msg", msg.RetMsg))
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "orderbook.") {
		return
	}

	var data orderbookResult
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	snap, ok := p.apply(msg.Type, data, msg.TS)
	if ok && p.sink != nil {
		p.sink.Put(snap)
	}
}

// apply merges a snapshot or delta and returns the resulting top of book.
func (p *bookProtocol) apply(kind string, data orderbookResult, ts int64) (domain.TopOfBook, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[data.Symbol]
	if !ok || kind == "snapshot" {
		book = &level1{}
		p.books[data.Symbol] = book
	}
	mergeSide(&book.bid, &book.bidQty, data.Bids)
	mergeSide(&book.ask, &book.askQty, data.Asks)

	observed := p.now()
	if ts > 0 {
		observed = time.UnixMilli(ts)
	}
	if !book.bid.IsPositive() && !book.ask.IsPositive() {
		return domain.TopOfBook{}, false
	}
	return domain.TopOfBook{
		Exchange:   domain.VenueBybit,
		Symbol:     data.Symbol,
		BidPrice:   book.bid,
		BidQty:     book.bidQty,
		AskPrice:   book.ask,
		AskQty:     book.askQty,
		ObservedAt: observed,
		Source:     domain.SourceWS,
	}, true
}

// mergeSide applies level updates to a single best level. A zero size
// removes the level it names.
func mergeSide(price, qty *decimal.Decimal, levels [][2]string) {
	for _, lv := range levels {
		px, sz := num(lv[0]), num(lv[1])
		if sz.IsZero() {
			if px.Equal(*price) {
				*price, *qty = decimal.Zero, decimal.Zero
			}
			continue
		}
		*price, *qty = px, sz
	}
}
