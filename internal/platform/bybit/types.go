package bybit

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// num parses a venue decimal string. Bybit sends "" for absent values,
// which maps to zero.
func num(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// envelope is the common v5 REST response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type tickersResult struct {
	Category string   `json:"category"`
	List     []ticker `json:"list"`
}

type ticker struct {
	Symbol    string `json:"symbol"`
	Bid1Price string `json:"bid1Price"`
	Bid1Size  string `json:"bid1Size"`
	Ask1Price string `json:"ask1Price"`
	Ask1Size  string `json:"ask1Size"`
}

// bookLevels is the [["price","size"], ...] shape used by REST and WS.
type bookLevels [][2]string

type orderbookResult struct {
	Symbol string     `json:"s"`
	Bids   bookLevels `json:"b"`
	Asks   bookLevels `json:"a"`
	TS     int64      `json:"ts"`
}

type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
	MarketUnit  string `json:"marketUnit,omitempty"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type cancelOrderRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}

type orderListResult struct {
	List []orderInfo `json:"list"`
}

type orderInfo struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	OrderStatus  string `json:"orderStatus"`
	AvgPrice     string `json:"avgPrice"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecFee   string `json:"cumExecFee"`
	FeeCurrency  string `json:"feeCurrency"`
	RejectReason string `json:"rejectReason"`
	UpdatedTime  string `json:"updatedTime"`
}

type walletResult struct {
	List []struct {
		Coin []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

// wsMessage is a public stream frame: either a topic push or an op reply.
type wsMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type wsOp struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}
