package binance

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

func topicFor(symbol string) string {
	return strings.ToLower(symbol) + "@bookTicker"
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// bookTicker is the best bid/ask push. It carries no event time.
type bookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	Bid      string `json:"b"`
	BidQty   string `json:"B"`
	Ask      string `json:"a"`
	AskQty   string `json:"A"`
}

type bookProtocol struct {
	sink   exchange.BookSink
	logger *slog.Logger
	now    func() time.Time
	nextID atomic.Int64
}

func newBookProtocol(sink exchange.BookSink, logger *slog.Logger) *bookProtocol {
	return &bookProtocol{sink: sink, logger: logger, now: time.Now}
}

func (p *bookProtocol) SubscribeFrames(topics []string) ([][]byte, error) {
	b, err := json.Marshal(subscribeFrame{Method: "SUBSCRIBE", Params: topics, ID: p.nextID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// PingFrame is nil: Binance keeps the socket alive with control pings.
func (p *bookProtocol) PingFrame() []byte { return nil }

func (p *bookProtocol) Handle(raw []byte) {
	var bt bookTicker
	if err := json.Unmarshal(raw, &bt); err != nil {
		p.logger.Debug("binance ws: undecodable frame", slog.String("error", err.Error()))
		return
	}
	if bt.Symbol == "" {
		// Subscription acks: {"result":null,"id":N}.
		return
	}
	snap := domain.TopOfBook{
		Exchange:   domain.VenueBinance,
		Symbol:     bt.Symbol,
		BidPrice:   num(bt.Bid),
		BidQty:     num(bt.BidQty),
		AskPrice:   num(bt.Ask),
		AskQty:     num(bt.AskQty),
		ObservedAt: p.now(),
		Source:     domain.SourceWS,
	}
	if p.sink != nil {
		p.sink.Put(snap)
	}
}
