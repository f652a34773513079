// Package bitget implements the trading adapter for Bitget USDT-margined futures.
package bitget

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

const (
	baseURL     = "https://api.bitget.com"
	productType = "USDT-FUTURES"
	marginCoin  = "USDT"
)

// Config holds Bitget credentials. Like OKX, Bitget signs with a passphrase.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool
}

// Client is a Bitget v2 mix (futures) REST client.
type Client struct {
	cfg        Config
	product    string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	product := productType
	if cfg.Testnet {
		product = "SUSDT-FUTURES"
	}
	return &Client{
		cfg:        cfg,
		product:    product,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() string { return "bitget" }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	path := "/api/v2/mix/account/accounts?productType=" + c.product
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return common.Balance{}, err
	}

	var accounts []struct {
		MarginCoin    string `json:"marginCoin"`
		Available     string `json:"available"`
		AccountEquity string `json:"accountEquity"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return common.Balance{}, fmt.Errorf("decode accounts response: %w", err)
	}
	for _, a := range accounts {
		if a.MarginCoin == marginCoin {
			return common.Balance{
				Asset:     marginCoin,
				Total:     parseFloat(a.AccountEquity),
				Available: parseFloat(a.Available),
			}, nil
		}
	}
	return common.Balance{Asset: marginCoin}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	path := "/api/v2/mix/position/all-position?productType=" + c.product + "&marginCoin=" + marginCoin
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol       string `json:"symbol"`
		HoldSide     string `json:"holdSide"`
		Total        string `json:"total"`
		OpenPriceAvg string `json:"openPriceAvg"`
		Leverage     string `json:"leverage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}

	var res []common.Position
	for _, p := range raw {
		qty := parseFloat(p.Total)
		if qty == 0 {
			continue
		}
		res = append(res, common.Position{
			Symbol:     p.Symbol,
			Side:       strings.ToUpper(p.HoldSide),
			Quantity:   math.Abs(qty),
			EntryPrice: parseFloat(p.OpenPriceAvg),
			Leverage:   int(parseFloat(p.Leverage)),
		})
	}
	return res, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", map[string]any{
		"symbol":      symbol,
		"productType": c.product,
		"marginCoin":  marginCoin,
		"leverage":    strconv.Itoa(leverage),
	})
	return err
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	body := map[string]any{
		"symbol":      req.Symbol,
		"productType": c.product,
		"marginMode":  "crossed",
		"marginCoin":  marginCoin,
		"side":        strings.ToLower(string(req.Side)),
		"orderType":   strings.ToLower(string(ordType)),
		"size":        formatFloat(req.Quantity),
	}
	if ordType == common.OrderTypeLimit {
		body["price"] = formatFloat(req.Price)
		body["force"] = "gtc"
	}
	if req.ClientOrderID != "" {
		body["clientOid"] = req.ClientOrderID
	}
	if req.StopLoss > 0 {
		body["presetStopLossPrice"] = formatFloat(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		body["presetStopSurplusPrice"] = formatFloat(req.TakeProfit)
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/place-order", body)
	if err != nil {
		return common.OrderResult{}, err
	}

	var ack struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: ack.OrderID,
		ClientOrderID:   ack.ClientOid,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          common.StatusNew,
		Quantity:        req.Quantity,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", map[string]any{
		"symbol":      symbol,
		"productType": c.product,
		"orderId":     exchangeOrderID,
	})
	return err
}

func (c *Client) ClosePosition(ctx context.Context, symbol string) (common.OrderResult, error) {
	_, err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/close-positions", map[string]any{
		"symbol":      symbol,
		"productType": c.product,
	})
	if err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		Symbol: symbol,
		Status: common.StatusFilled,
	}, nil
}

// do signs and executes a request. Bitget signs the epoch-ms timestamp, the
// method, the full path including query, and the JSON body.
func (c *Client) do(ctx context.Context, method, path string, body map[string]any) (json.RawMessage, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" || c.cfg.Passphrase == "" {
		return nil, errors.New("bitget: API key, secret and passphrase required")
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + method + path + string(payload)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", c.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")

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
	if env.Code != "00000" {
		return nil, &common.APIError{Venue: c.Name(), HTTPStatus: res.StatusCode, Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
