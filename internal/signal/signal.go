// Package signal defines the inbound trading signal and its validation rules.
package signal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Actions accepted from a webhook payload.
const (
	ActionBuy   = "buy"
	ActionSell  = "sell"
	ActionClose = "close"
)

// Signal is the normalized payload posted by an alerting platform. Only
// Action and Symbol are required, the rest defaults from the user's bot
// settings at execution time.
type Signal struct {
	Action     string  `json:"action" validate:"required,oneof=buy sell close"`
	Symbol     string  `json:"symbol" validate:"required,min=2,max=30"`
	Side       string  `json:"side,omitempty" validate:"omitempty,oneof=long short"`
	Quantity   float64 `json:"quantity,omitempty" validate:"omitempty,gt=0"`
	Leverage   int     `json:"leverage,omitempty" validate:"omitempty,gte=1,lte=125"`
	OrderType  string  `json:"orderType,omitempty" validate:"omitempty,oneof=market limit"`
	Price      float64 `json:"price,omitempty" validate:"omitempty,gt=0"`
	StopLoss   float64 `json:"stopLoss,omitempty" validate:"omitempty,gt=0"`
	TakeProfit float64 `json:"takeProfit,omitempty" validate:"omitempty,gt=0"`
}

var validate = validator.New()

// Normalize lowercases the enum fields and uppercases the symbol so
// downstream comparisons are exact.
func (s *Signal) Normalize() {
	s.Action = strings.ToLower(strings.TrimSpace(s.Action))
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Side = strings.ToLower(strings.TrimSpace(s.Side))
	s.OrderType = strings.ToLower(strings.TrimSpace(s.OrderType))
}

// Validate normalizes then checks the signal against the field rules. A limit
// order additionally requires a price.
func (s *Signal) Validate() error {
	s.Normalize()
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid signal: field %s failed %s", fieldName(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("invalid signal: %w", err)
	}
	if s.OrderType == "limit" && s.Price <= 0 {
		return fmt.Errorf("invalid signal: limit order requires price")
	}
	return nil
}

func fieldName(structField string) string {
	if structField == "" {
		return structField
	}
	return strings.ToLower(structField[:1]) + structField[1:]
}
