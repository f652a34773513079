// Package okx implements the trading adapter for OKX perpetual swaps.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradehook/pkg/exchanges/common"
)

const baseURL = "https://www.okx.com"

// Config holds OKX credentials. OKX requires a passphrase in addition to the
// key pair.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool
}

// Client is an OKX v5 REST client trading cross-margin swaps.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() string { return "okx" }

// envelope is the uniform OKX response wrapper. code "0" means success, even
// on HTTP 200 the body can carry a venue error.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v5/account/balance?ccy=USDT", nil)
	if err != nil {
		return common.Balance{}, err
	}

	var accounts []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			Eq       string `json:"eq"`
			AvailBal string `json:"availBal"`
			AvailEq  string `json:"availEq"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance response: %w", err)
	}
	for _, acct := range accounts {
		for _, d := range acct.Details {
			if d.Ccy != "USDT" {
				continue
			}
			avail := parseFloat(d.AvailBal)
			if avail == 0 {
				avail = parseFloat(d.AvailEq)
			}
			return common.Balance{Asset: "USDT", Total: parseFloat(d.Eq), Available: avail}, nil
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v5/account/positions?instType=SWAP", nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		InstID  string `json:"instId"`
		Pos     string `json:"pos"`
		PosSide string `json:"posSide"`
		AvgPx   string `json:"avgPx"`
		Lever   string `json:"lever"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}

	var res []common.Position
	for _, p := range raw {
		qty := parseFloat(p.Pos)
		if qty == 0 {
			continue
		}
		side := strings.ToUpper(p.PosSide)
		if side == "" || side == "NET" {
			if qty > 0 {
				side = "LONG"
			} else {
				side = "SHORT"
			}
		}
		res = append(res, common.Position{
			Symbol:     p.InstID,
			Side:       side,
			Quantity:   math.Abs(qty),
			EntryPrice: parseFloat(p.AvgPx),
			Leverage:   int(parseFloat(p.Lever)),
		})
	}
	return res, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", map[string]any{
		"instId":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	})
	return err
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	body := map[string]any{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    strings.ToLower(string(req.Side)),
		"ordType": strings.ToLower(string(orderType(req.Type))),
		"sz":      formatFloat(req.Quantity),
	}
	if req.Type == common.OrderTypeLimit {
		body["px"] = formatFloat(req.Price)
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = clientOrderID(req.ClientOrderID)
	}
	if req.StopLoss > 0 {
		body["slTriggerPx"] = formatFloat(req.StopLoss)
		body["slOrdPx"] = "-1" // market
	}
	if req.TakeProfit > 0 {
		body["tpTriggerPx"] = formatFloat(req.TakeProfit)
		body["tpOrdPx"] = "-1"
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body)
	if err != nil {
		return common.OrderResult{}, err
	}

	var acks []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &acks); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	if len(acks) == 0 {
		return common.OrderResult{}, &common.APIError{Venue: c.Name(), Message: "empty order ack"}
	}
	ack := acks[0]
	if ack.SCode != "" && ack.SCode != "0" {
		return common.OrderResult{}, &common.APIError{Venue: c.Name(), Code: ack.SCode, Message: ack.SMsg}
	}
	return common.OrderResult{
		ExchangeOrderID: ack.OrdID,
		ClientOrderID:   ack.ClOrdID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          common.StatusNew,
		Quantity:        req.Quantity,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", map[string]any{
		"instId": symbol,
		"ordId":  exchangeOrderID,
	})
	return err
}

func (c *Client) ClosePosition(ctx context.Context, symbol string) (common.OrderResult, error) {
	_, err := c.do(ctx, http.MethodPost, "/api/v5/trade/close-position", map[string]any{
		"instId":  symbol,
		"mgnMode": "cross",
	})
	if err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		Symbol: symbol,
		Status: common.StatusFilled,
	}, nil
}

// do signs and executes a request, unwrapping the OKX envelope.
func (c *Client) do(ctx context.Context, method, path string, body map[string]any) (json.RawMessage, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" || c.cfg.Passphrase == "" {
		return nil, errors.New("okx: API key, secret and passphrase required")
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + method + path + string(payload)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Testnet {
		req.Header.Set("x-simulated-trading", "1")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.APIError{Venue: c.Name(), Message: err.Error()}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.APIError{Venue: c.Name(), HTTPStatus: res.StatusCode, Message: err.Error()}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &common.APIError{Venue: c.Name(), HTTPStatus: res.StatusCode, Message: string(raw)}
	}
	if env.Code != "0" {
		return nil, &common.APIError{Venue: c.Name(), HTTPStatus: res.StatusCode, Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

func orderType(t common.OrderType) common.OrderType {
	if t == "" {
		return common.OrderTypeMarket
	}
	return t
}

// clientOrderID adapts our job IDs to OKX's 32-char alphanumeric limit.
func clientOrderID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 32 {
		id = id[:32]
	}
	return id
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
