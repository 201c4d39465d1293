// Package binance implements the exchange adapter for Binance spot.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xarb/internal/crypto"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

const (
	DefaultRESTURL = "https://api.binance.com"
	DefaultWSURL   = "wss://stream.binance.com:9443/ws"

	defaultRecvWindow = 5000
)

// API error codes the adapter distinguishes.
const (
	codeTooManyRequests = -1003
	codeBadSignature    = -1022
	codeOrderRejected   = -2010
	codeNoSuchOrder     = -2013
	codeBadKey          = -2014
	codeBadPermissions  = -2015
)

// Client is a thin spot REST client.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	recvWindow int
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a REST client. auth may be nil.
func NewClient(baseURL string, auth *crypto.HMACAuth, recvWindow int, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if recvWindow <= 0 {
		recvWindow = defaultRecvWindow
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		recvWindow: recvWindow,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type fill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []fill `json:"fills"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func num(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Depth calls GET /api/v3/depth.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (depthResponse, error) {
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	var out depthResponse
	err := c.call(ctx, http.MethodGet, "/api/v3/depth", q, false, &out)
	return out, err
}

// NewOrder calls POST /api/v3/order with a FULL response.
func (c *Client) NewOrder(ctx context.Context, q url.Values) (orderResponse, error) {
	q.Set("newOrderRespType", "FULL")
	var out orderResponse
	err := c.call(ctx, http.MethodPost, "/api/v3/order", q, true, &out)
	return out, err
}

// QueryOrder calls GET /api/v3/order by client order id.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (orderResponse, error) {
	q := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	var out orderResponse
	err := c.call(ctx, http.MethodGet, "/api/v3/order", q, true, &out)
	return out, err
}

// CancelOrder calls DELETE /api/v3/order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	q := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	return c.call(ctx, http.MethodDelete, "/api/v3/order", q, true, nil)
}

// Account calls GET /api/v3/account.
func (c *Client) Account(ctx context.Context) (accountResponse, error) {
	var out accountResponse
	err := c.call(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	query := q.Encode()
	if signed && !c.auth.Empty() {
		q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		q.Set("recvWindow", strconv.Itoa(c.recvWindow))
		query = q.Encode()
		query += "&signature=" + c.auth.BinanceSignature(query)
	}
	target := c.baseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("binance: create request: %w", err)
	}
	if signed && !c.auth.Empty() {
		req.Header.Set("X-MBX-APIKEY", c.auth.Key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.TransportError(domain.VenueBinance, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return exchange.TransportError(domain.VenueBinance, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Code != 0 {
			if err := apiCodeError(path, ae); err != nil {
				return err
			}
			return exchange.HTTPStatusError(domain.VenueBinance, path, resp.StatusCode, ae.Msg)
		}
		return exchange.HTTPStatusError(domain.VenueBinance, path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewVenueError(domain.VenueBinance, path, domain.VenueRejected, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// apiCodeError maps the codes with a dedicated meaning. Others fall back to
// the HTTP status mapping.
func apiCodeError(op string, ae apiError) error {
	cause := fmt.Errorf("code %d: %s", ae.Code, ae.Msg)
	switch ae.Code {
	case codeTooManyRequests:
		return domain.NewVenueError(domain.VenueBinance, op, domain.VenueRateLimited, cause)
	case codeBadKey, codeBadPermissions, codeBadSignature:
		return &domain.ConfigError{Venue: domain.VenueBinance, Field: "credentials", Message: cause.Error()}
	case codeNoSuchOrder:
		return fmt.Errorf("binance: %w: %w", domain.ErrNotFound, cause)
	case codeOrderRejected:
		if strings.Contains(strings.ToLower(ae.Msg), "insufficient") {
			return domain.NewVenueError(domain.VenueBinance, op, domain.VenueRejected, errors.Join(domain.ErrInsufficientFunds, cause))
		}
		return domain.NewVenueError(domain.VenueBinance, op, domain.VenueRejected, cause)
	}
	return nil
}
