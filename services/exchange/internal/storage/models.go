package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle. Flags are monotone: an order leaves "open" exactly once
// and never returns.
const (
	OrderStatusOpen      = "open"
	OrderStatusCancelled = "cancelled"
	OrderStatusFilled    = "filled"
)

var (
	ErrInvalidAmount         = errors.New("amount must be a positive whole number of base units")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderNotOpen          = errors.New("order is no longer open")
	ErrNotCreator            = errors.New("caller is not the order creator")
	ErrSelfFill              = errors.New("order creator cannot fill their own order")
	ErrTransferFailed        = errors.New("external token transfer failed")
)

// Balance is the custody record for one (token, account) pair. Reserved funds
// are pledged to the account's open orders and excluded from Available.
type Balance struct {
	Token     string
	Account   string
	Total     decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

func (b Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Reserved)
}

// Order is immutable after creation except for its status.
type Order struct {
	ID         int64
	Creator    string
	TokenGet   string
	AmountGet  decimal.Decimal
	TokenGive  string
	AmountGive decimal.Decimal
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fill records one executed trade: the full order amounts plus the taker fee
// charged on top of AmountGet.
type Fill struct {
	Order     Order
	Filler    string
	FeeAmount decimal.Decimal
	FilledAt  time.Time
}

type OrderFilter struct {
	Status    string
	TokenGet  string
	TokenGive string
	Creator   string
	Limit     int
}

// TokenVault is the external custody collaborator moving real tokens in and
// out of the exchange's custody account. Its result must be known before a
// deposit or withdrawal commits.
type TokenVault interface {
	TransferIn(ctx context.Context, token, account string, amount decimal.Decimal) error
	TransferOut(ctx context.Context, token, account string, amount decimal.Decimal) error
}

// validAmount accepts positive whole-number quantities only; balances are in
// base units (wei-scale), so fractional values are meaningless.
func validAmount(amount decimal.Decimal) bool {
	return amount.Sign() > 0 && amount.IsInteger()
}
