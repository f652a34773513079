package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Balance is the account's quote-currency balance.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Position is an open position reported by the venue.
type Position struct {
	Symbol     string
	Side       string // LONG/SHORT
	Quantity   float64
	EntryPrice float64
	Leverage   int
}

// OrderRequest captures an order intent to be sent to an exchange.
// ClientOrderID is the idempotency key: adapters must pass it through so a
// redelivered job cannot double-submit.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // required for LIMIT
	Leverage      int
	StopLoss      float64 // 0 = none
	TakeProfit    float64 // 0 = none
	ClientOrderID string
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Status          OrderStatus
	Price           float64
	Quantity        float64
	FilledQuantity  float64
}
