// Package venue is the rate-limited REST client for the exchange (§4.9,
// §6 Venue REST). It targets Bybit V5 conventions (category, positionIdx,
// orderLinkId, trading-stop endpoint, X-Bapi-* rate-limit headers) the way
// the teacher's Binance futures client targets fapi.binance.com.
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/ratelimit"
)

// Config holds venue credentials and connection settings.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Testnet    bool
	Category   string // linear, inverse
	RecvWindow int64  // ms
}

// Client is the signed REST client for Bybit V5 endpoints used by the core.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

func NewClient(cfg Config, limiter *ratelimit.Limiter) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.bybit.com"
		if cfg.Testnet {
			cfg.BaseURL = "https://api-testnet.bybit.com"
		}
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
	}
}

// OrderRequest is the venue-agnostic shape the executor and order manager
// build; Submit translates it to Bybit's V5 create-order payload.
type OrderRequest struct {
	Symbol      string
	Side        domain.Side
	OrderType   domain.OrderType
	Qty         float64
	Price       *float64
	TimeInForce domain.TimeInForce
	ReduceOnly  bool
	OrderLinkID string
	PositionIdx int
}

// OrderResult is the venue's acknowledgement of a submitted order.
type OrderResult struct {
	VenueOrderID string
	VenueLinkID  string
}

func (c *Client) sign(ts, recvWindow, body string) string {
	payload := ts + c.cfg.APIKey + recvWindow + body
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) signedPost(ctx context.Context, endpoint string, params map[string]any) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("venue: API key/secret required")
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("venue: marshal request: %w", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recvWindow := strconv.FormatInt(c.cfg.RecvWindow, 10)
	sig := c.sign(ts, recvWindow, string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", sig)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("venue: post %s: %w", endpoint, err)
	}
	defer res.Body.Close()

	if c.limiter != nil {
		c.limiter.ObserveHeaders(res.Header.Get("X-Bapi-Limit-Status"), res.Header.Get("X-Bapi-Limit"))
		if res.StatusCode == http.StatusTooManyRequests {
			if ra, err := strconv.ParseInt(res.Header.Get("Retry-After"), 10, 64); err == nil {
				c.limiter.ObserveRetryAfter(ra * 1000)
			}
		}
	}

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("venue: post %s status %d: %s", endpoint, res.StatusCode, string(raw))
	}
	return raw, nil
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) decode(raw []byte, out any) error {
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("venue: decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("venue: retCode=%d retMsg=%s", env.RetCode, env.RetMsg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// SubmitOrder places an order via /v5/order/create.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassOrder, req.Symbol); err != nil {
			return OrderResult{}, err
		}
	}

	params := map[string]any{
		"category":    c.cfg.Category,
		"symbol":      req.Symbol,
		"side":        titleCase(string(req.Side)),
		"orderType":   string(req.OrderType),
		"qty":         formatFloat(req.Qty),
		"reduceOnly":  req.ReduceOnly,
		"positionIdx": req.PositionIdx,
	}
	if req.Price != nil {
		params["price"] = formatFloat(*req.Price)
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = string(req.TimeInForce)
	}
	if req.OrderLinkID != "" {
		params["orderLinkId"] = req.OrderLinkID
	}

	raw, err := c.signedPost(ctx, "/v5/order/create", params)
	if err != nil {
		return OrderResult{}, err
	}
	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.decode(raw, &result); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{VenueOrderID: result.OrderID, VenueLinkID: result.OrderLinkID}, nil
}

// CancelOrder cancels an order via /v5/order/cancel.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassCancel, symbol); err != nil {
			return err
		}
	}
	params := map[string]any{
		"category": c.cfg.Category,
		"symbol":   symbol,
		"orderId":  venueOrderID,
	}
	raw, err := c.signedPost(ctx, "/v5/order/cancel", params)
	if err != nil {
		return err
	}
	return c.decode(raw, nil)
}

// SetTradingStop sets the position's stop-loss via /v5/position/trading-stop.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, positionIdx int, stopLoss float64) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassOrder, symbol); err != nil {
			return err
		}
	}
	params := map[string]any{
		"category":    c.cfg.Category,
		"symbol":      symbol,
		"positionIdx": positionIdx,
		"stopLoss":    formatFloat(stopLoss),
	}
	raw, err := c.signedPost(ctx, "/v5/position/trading-stop", params)
	if err != nil {
		return err
	}
	return c.decode(raw, nil)
}

// OpenOrder mirrors a Bybit V5 open-order entry (category=real-time query).
type OpenOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

// OpenOrders lists realtime open orders via /v5/order/realtime.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassQuery, symbol); err != nil {
			return nil, err
		}
	}
	params := map[string]any{"category": c.cfg.Category, "symbol": symbol}
	raw, err := c.signedPost(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []OpenOrder `json:"list"`
	}
	if err := c.decode(raw, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// PositionInfo mirrors a Bybit V5 position-list entry.
type PositionInfo struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	MarkPrice string `json:"markPrice"`
}

// Positions lists current exchange positions via /v5/position/list.
func (c *Client) Positions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassQuery, symbol); err != nil {
			return nil, err
		}
	}
	params := map[string]any{"category": c.cfg.Category, "symbol": symbol}
	raw, err := c.signedPost(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []PositionInfo `json:"list"`
	}
	if err := c.decode(raw, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// WalletBalance fetches account equity via /v5/account/wallet-balance.
func (c *Client) WalletBalance(ctx context.Context) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassWallet, ""); err != nil {
			return nil, err
		}
	}
	params := map[string]any{"accountType": "UNIFIED"}
	raw, err := c.signedPost(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := c.decode(raw, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ExecutionListEntry mirrors a Bybit V5 execution-list fill record.
type ExecutionListEntry struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
}

// ExecutionList fetches recent fills via /v5/execution/list.
func (c *Client) ExecutionList(ctx context.Context, symbol string) ([]ExecutionListEntry, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassQuery, symbol); err != nil {
			return nil, err
		}
	}
	params := map[string]any{"category": c.cfg.Category, "symbol": symbol}
	raw, err := c.signedPost(ctx, "/v5/execution/list", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []ExecutionListEntry `json:"list"`
	}
	if err := c.decode(raw, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// InstrumentFilter carries the lot-size / tick-size constraints used when
// rounding position size and prices.
type InstrumentFilter struct {
	QtyStep   float64
	MinQty    float64
	TickSize  float64
}

// InstrumentsInfo fetches lot-size filters via /v5/market/instruments-info.
// On any parse failure it falls back to permissive defaults so sizing can
// still proceed (the venue itself will reject on true lot-size violations).
func (c *Client) InstrumentsInfo(ctx context.Context, symbol string) (InstrumentFilter, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ratelimit.ClassQuery, symbol); err != nil {
			return InstrumentFilter{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v5/market/instruments-info?category=%s&symbol=%s", c.cfg.BaseURL, c.cfg.Category, symbol), nil)
	if err != nil {
		return InstrumentFilter{}, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return InstrumentFilter{}, fmt.Errorf("venue: instruments-info: %w", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)

	var result struct {
		List []struct {
			LotSizeFilter struct {
				QtyStep string `json:"qtyStep"`
				MinQty  string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := c.decode(raw, &result); err != nil || len(result.List) == 0 {
		return InstrumentFilter{QtyStep: 0.001, MinQty: 0.001, TickSize: 0.1}, nil
	}
	entry := result.List[0]
	qtyStep, _ := strconv.ParseFloat(entry.LotSizeFilter.QtyStep, 64)
	minQty, _ := strconv.ParseFloat(entry.LotSizeFilter.MinQty, 64)
	tick, _ := strconv.ParseFloat(entry.PriceFilter.TickSize, 64)
	if qtyStep <= 0 {
		qtyStep = 0.001
	}
	if tick <= 0 {
		tick = 0.1
	}
	return InstrumentFilter{QtyStep: qtyStep, MinQty: minQty, TickSize: tick}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
