package common

import "context"

// Adapter abstracts a trading venue. The pipeline depends on this interface
// only; concrete clients live in sibling packages and are selected once at
// credential-resolution time.
type Adapter interface {
	Name() string
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	ClosePosition(ctx context.Context, symbol string) (OrderResult, error)
}
