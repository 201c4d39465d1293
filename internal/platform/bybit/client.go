// Package bybit implements the exchange adapter for Bybit's v5 unified API.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/xarb/internal/crypto"
	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/exchange"
)

const (
	// DefaultRESTURL is the mainnet REST endpoint.
	DefaultRESTURL = "https://api.bybit.com"
	// DefaultWSURL is the public stream base; the category is appended.
	DefaultWSURL = "wss://stream.bybit.com/v5/public"

	defaultRecvWindow = 5000
)

// retCodes Bybit uses for conditions the engine cares about.
const (
	retRateLimited         = 10006
	retInvalidKey          = 10003
	retBadSign             = 10004
	retPermission          = 10005
	retInsufficientLinear  = 110007
	retInsufficientSpot    = 170131
	retDuplicateLinkLinear = 110072
	retDuplicateLinkSpot   = 170141
)

// Client is a thin v5 REST client.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	recvWindow int
	httpClient *http.Client
}

// NewClient creates a REST client. auth may be nil for public endpoints.
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
	}
}

// Tickers calls GET /v5/market/tickers.
func (c *Client) Tickers(ctx context.Context, category, symbol string) (tickersResult, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}}
	var out tickersResult
	err := c.get(ctx, "/v5/market/tickers", q, false, &out)
	return out, err
}

// Orderbook calls GET /v5/market/orderbook with the given depth.
func (c *Client) Orderbook(ctx context.Context, category, symbol string, limit int) (orderbookResult, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}, "limit": {fmt.Sprint(limit)}}
	var out orderbookResult
	err := c.get(ctx, "/v5/market/orderbook", q, false, &out)
	return out, err
}

// CreateOrder calls POST /v5/order/create.
func (c *Client) CreateOrder(ctx context.Context, req createOrderRequest) (createOrderResult, error) {
	var out createOrderResult
	err := c.post(ctx, "/v5/order/create", req, &out)
	return out, err
}

// CancelOrder calls POST /v5/order/cancel.
func (c *Client) CancelOrder(ctx context.Context, req cancelOrderRequest) error {
	return c.post(ctx, "/v5/order/cancel", req, nil)
}

// OrderByLinkID looks an order up by its client correlation id through
// GET /v5/order/realtime.
func (c *Client) OrderByLinkID(ctx context.Context, category, symbol, linkID string) (orderInfo, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}, "orderLinkId": {linkID}}
	var out orderListResult
	if err := c.get(ctx, "/v5/order/realtime", q, true, &out); err != nil {
		return orderInfo{}, err
	}
	if len(out.List) == 0 {
		return orderInfo{}, fmt.Errorf("bybit: order %s: %w", linkID, domain.ErrNotFound)
	}
	return out.List[0], nil
}

// WalletBalance calls GET /v5/account/wallet-balance for the unified account.
func (c *Client) WalletBalance(ctx context.Context) (walletResult, error) {
	var out walletResult
	err := c.get(ctx, "/v5/account/wallet-balance", url.Values{"accountType": {"UNIFIED"}}, true, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, q url.Values, signed bool, out any) error {
	query := q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("bybit: create request: %w", err)
	}
	if signed {
		c.sign(req, query)
	}
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bybit: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bybit: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, string(payload))
	return c.do(req, path, out)
}

func (c *Client) sign(req *http.Request, payload string) {
	if c.auth.Empty() {
		return
	}
	for k, v := range c.auth.BybitHeaders(payload, c.recvWindow) {
		req.Header.Set(k, v)
	}
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.TransportError(domain.VenueBybit, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return exchange.TransportError(domain.VenueBybit, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return exchange.HTTPStatusError(domain.VenueBybit, op, resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.NewVenueError(domain.VenueBybit, op, domain.VenueRejected, fmt.Errorf("decode envelope: %w", err))
	}
	if env.RetCode != 0 {
		return retCodeError(op, env.RetCode, env.RetMsg)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return domain.NewVenueError(domain.VenueBybit, op, domain.VenueRejected, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// retCodeError maps a non-zero retCode onto the error taxonomy.
func retCodeError(op string, code int, msg string) error {
	cause := fmt.Errorf("retCode %d: %s", code, msg)
	switch code {
	case retRateLimited:
		return domain.NewVenueError(domain.VenueBybit, op, domain.VenueRateLimited, cause)
	case retInvalidKey, retBadSign, retPermission:
		return &domain.ConfigError{Venue: domain.VenueBybit, Field: "credentials", Message: cause.Error()}
	case retInsufficientLinear, retInsufficientSpot:
		return domain.NewVenueError(domain.VenueBybit, op, domain.VenueRejected, errors.Join(domain.ErrInsufficientFunds, cause))
	case retDuplicateLinkLinear, retDuplicateLinkSpot:
		return domain.NewVenueError(domain.VenueBybit, op, domain.VenueRejected, errors.Join(domain.ErrDuplicate, cause))
	}
	return domain.NewVenueError(domain.VenueBybit, op, domain.VenueRejected, cause)
}
