package service

import (
	"github.com/sep1ol/portfolio-exchange/libs/kafka"
)

const (
	EventTypeDeposited      = "exchange.deposited"
	EventTypeWithdrawn      = "exchange.withdrawn"
	EventTypeOrderCreated   = "exchange.order.created"
	EventTypeOrderCancelled = "exchange.order.cancelled"
	EventTypeOrderFilled    = "exchange.order.filled"
)

// Topics names the streams this service publishes to. Balance events and
// order events travel on separate topics so downstream consumers can
// subscribe independently.
type Topics struct {
	Balances string
	Orders   string
	Trades   string
}

type DepositedEvent struct {
	kafka.Envelope
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Balance string `json:"balance"`
}

type WithdrawnEvent struct {
	kafka.Envelope
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Balance string `json:"balance"`
}

type OrderCreatedEvent struct {
	kafka.Envelope
	OrderID    int64  `json:"order_id"`
	Creator    string `json:"creator"`
	TokenGet   string `json:"token_get"`
	AmountGet  string `json:"amount_get"`
	TokenGive  string `json:"token_give"`
	AmountGive string `json:"amount_give"`
}

type OrderCancelledEvent struct {
	kafka.Envelope
	OrderID    int64  `json:"order_id"`
	Creator    string `json:"creator"`
	TokenGet   string `json:"token_get"`
	AmountGet  string `json:"amount_get"`
	TokenGive  string `json:"token_give"`
	AmountGive string `json:"amount_give"`
}

type OrderFilledEvent struct {
	kafka.Envelope
	OrderID    int64  `json:"order_id"`
	Creator    string `json:"creator"`
	Filler     string `json:"filler"`
	TokenGet   string `json:"token_get"`
	AmountGet  string `json:"amount_get"`
	TokenGive  string `json:"token_give"`
	AmountGive string `json:"amount_give"`
	FeeAmount  string `json:"fee_amount"`
	FeeToken   string `json:"fee_token"`
}
