// Package binance implements the trading adapter for Binance USDT-M futures.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradehook/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a Binance USDT-M futures client.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

// New creates a Binance futures client. Requests are bounded by the HTTP
// client timeout so a slow venue cannot stall a worker indefinitely.
func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	client.timeSync = common.NewTimeSync(client.getServerTime)
	// 2400 weight/min for futures
	client.rateLimiter = common.NewRateLimiter(2400, time.Minute)
	return client
}

func (c *Client) Name() string { return "binance" }

func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return common.Balance{}, err
	}

	var entries []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance response: %w", err)
	}
	for _, e := range entries {
		if e.Asset == "USDT" {
			return common.Balance{
				Asset:     e.Asset,
				Total:     parseFloat(e.Balance),
				Available: parseFloat(e.AvailableBalance),
			}, nil
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	raw, err := c.positionRisk(ctx, "")
	if err != nil {
		return nil, err
	}

	var res []common.Position
	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "LONG"
		if amt < 0 {
			side = "SHORT"
		}
		res = append(res, common.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   math.Abs(amt),
			EntryPrice: parseFloat(p.EntryPrice),
			Leverage:   int(parseFloat(p.Leverage)),
		})
	}
	return res, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Quantity))
	if ordType == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	result := resp.toResult()

	// Protective orders ride along best-effort: the entry is already placed,
	// so their failure must not fail the job.
	c.placeProtective(ctx, req)

	return result, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// ClosePosition flattens the net position for symbol with a reduce-only
// market order. A flat symbol is an error: the caller asked to close
// something that is not open.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (common.OrderResult, error) {
	raw, err := c.positionRisk(ctx, symbol)
	if err != nil {
		return common.OrderResult{}, err
	}

	var amt float64
	for _, p := range raw {
		if p.Symbol == symbol {
			amt += parseFloat(p.PositionAmt)
		}
	}
	if amt == 0 {
		return common.OrderResult{}, &common.APIError{Venue: c.Name(), Message: fmt.Sprintf("no open position for %s", symbol)}
	}

	side := common.SideSell
	if amt < 0 {
		side = common.SideBuy
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(common.OrderTypeMarket))
	params.Set("quantity", formatFloat(math.Abs(amt)))
	params.Set("reduceOnly", "true")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return resp.toResult(), nil
}

// placeProtective submits stop-loss / take-profit close orders when requested.
func (c *Client) placeProtective(ctx context.Context, req common.OrderRequest) {
	exitSide := common.SideSell
	if req.Side == common.SideSell {
		exitSide = common.SideBuy
	}

	place := func(ordType, stopPrice string) {
		params := url.Values{}
		params.Set("symbol", req.Symbol)
		params.Set("side", string(exitSide))
		params.Set("type", ordType)
		params.Set("stopPrice", stopPrice)
		params.Set("closePosition", "true")
		if _, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params); err != nil {
			log.Printf("binance: protective %s for %s failed: %v", ordType, req.Symbol, err)
		}
	}

	if req.StopLoss > 0 {
		place("STOP_MARKET", formatFloat(req.StopLoss))
	}
	if req.TakeProfit > 0 {
		place("TAKE_PROFIT_MARKET", formatFloat(req.TakeProfit))
	}
}

type positionRiskEntry struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	Leverage    string `json:"leverage"`
}

func (c *Client) positionRisk(ctx context.Context, symbol string) ([]positionRiskEntry, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []positionRiskEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positionRisk response: %w", err)
	}
	return raw, nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
}

func (r orderResponse) toResult() common.OrderResult {
	price := parseFloat(r.AvgPrice)
	if price == 0 {
		price = parseFloat(r.Price)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Status:          mapStatus(r.Status),
		Price:           price,
		Quantity:        parseFloat(r.OrigQty),
		FilledQuantity:  parseFloat(r.ExecutedQty),
	}
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binance: API key/secret required")
	}

	timestamp := time.Now().UnixMilli()
	if c.timeSync.Offset() != 0 {
		timestamp = c.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	endpoint := c.baseURL + path
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.APIError{Venue: c.Name(), Message: err.Error()}
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.APIError{Venue: c.Name(), HTTPStatus: res.StatusCode, Message: err.Error()}
	}
	if res.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return nil, &common.APIError{
			Venue:      c.Name(),
			HTTPStatus: res.StatusCode,
			Code:       strconv.Itoa(apiErr.Code),
			Message:    apiErr.Msg,
		}
	}
	return body, nil
}

func (c *Client) getServerTime() (int64, error) {
	res, err := c.httpClient.Get(c.baseURL + "/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return 0, err
	}
	return payload.ServerTime, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "EXPIRED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
