package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sep1ol/portfolio-exchange/libs/kafka"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/fee"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/storage"
	"github.com/shopspring/decimal"
)

// Ledger is the storage contract the service drives. Both the pgx store and
// the in-memory store satisfy it; every method is atomic on its own.
type Ledger interface {
	Deposit(ctx context.Context, token, account string, amount decimal.Decimal) (storage.Balance, error)
	CreditTransfer(ctx context.Context, transferID, token, account string, amount decimal.Decimal) (storage.Balance, bool, error)
	Withdraw(ctx context.Context, token, account string, amount decimal.Decimal) (storage.Balance, error)
	GetBalance(ctx context.Context, token, account string) (storage.Balance, error)
	CreateOrder(ctx context.Context, creator, tokenGet string, amountGet decimal.Decimal, tokenGive string, amountGive decimal.Decimal) (*storage.Order, error)
	CancelOrder(ctx context.Context, id int64, caller string) (*storage.Order, error)
	FillOrder(ctx context.Context, id int64, filler string) (*storage.Fill, error)
	GetOrder(ctx context.Context, id int64) (*storage.Order, error)
	ListOrders(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, error)
	OrderCount(ctx context.Context) (int64, error)
}

type ExchangeService struct {
	store     Ledger
	publisher kafka.Publisher
	fees      fee.Config
	topics    Topics
	logger    *slog.Logger
	metrics   *Metrics
}

func NewExchangeService(store Ledger, publisher kafka.Publisher, fees fee.Config, topics Topics, logger *slog.Logger, metrics *Metrics) *ExchangeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExchangeService{
		store:     store,
		publisher: publisher,
		fees:      fees,
		topics:    topics,
		logger:    logger,
		metrics:   metrics,
	}
}

type ctxKey int

const correlationKey ctxKey = iota

// WithCorrelationID tags the context so events published for this call carry
// the caller's request id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, id)
}

func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

func (s *ExchangeService) FeeRecipient() string {
	return s.fees.Recipient()
}

func (s *ExchangeService) FeePercent() int64 {
	return s.fees.Percent()
}

func (s *ExchangeService) Deposit(ctx context.Context, token, account string, amount decimal.Decimal) (storage.Balance, error) {
	start := time.Now()
	balance, err := s.store.Deposit(ctx, token, account, amount)
	s.metrics.observe("deposit", time.Since(start).Seconds(), err)
	if err != nil {
		return storage.Balance{}, err
	}

	event := DepositedEvent{
		Token:   token,
		Account: account,
		Amount:  amount.String(),
		Balance: balance.Total.String(),
	}
	event.Envelope, _ = kafka.NewEnvelope(EventTypeDeposited, 1, correlationID(ctx))
	s.publish(ctx, s.topics.Balances, account, event)

	return balance, nil
}

// CreditTransfer applies a confirmed custody transfer exactly once. Replays
// return the current balance without publishing a second event.
func (s *ExchangeService) CreditTransfer(ctx context.Context, transferID, token, account string, amount decimal.Decimal) (storage.Balance, bool, error) {
	start := time.Now()
	balance, alreadyProcessed, err := s.store.CreditTransfer(ctx, transferID, token, account, amount)
	s.metrics.observe("credit_transfer", time.Since(start).Seconds(), err)
	if err != nil {
		return storage.Balance{}, false, err
	}
	if alreadyProcessed {
		return balance, true, nil
	}

	event := DepositedEvent{
		Token:   token,
		Account: account,
		Amount:  amount.String(),
		Balance: balance.Total.String(),
	}
	event.Envelope, _ = kafka.NewEnvelope(EventTypeDeposited, 1, correlationID(ctx))
	event.EventID = kafka.DeterministicEventID("credit", transferID)
	s.publish(ctx, s.topics.Balances, account, event)

	return balance, false, nil
}

func (s *ExchangeService) Withdraw(ctx context.Context, token, account string, amount decimal.Decimal) (storage.Balance, error) {
	start := time.Now()
	balance, err := s.store.Withdraw(ctx, token, account, amount)
	s.metrics.observe("withdraw", time.Since(start).Seconds(), err)
	if err != nil {
		return storage.Balance{}, err
	}

	event := WithdrawnEvent{
		Token:   token,
		Account: account,
		Amount:  amount.String(),
		Balance: balance.Total.String(),
	}
	event.Envelope, _ = kafka.NewEnvelope(EventTypeWithdrawn, 1, correlationID(ctx))
	s.publish(ctx, s.topics.Balances, account, event)

	return balance, nil
}

func (s *ExchangeService) GetBalance(ctx context.Context, token, account string) (storage.Balance, error) {
	return s.store.GetBalance(ctx, token, account)
}

// BalanceOf returns the total custody balance, reserved funds included.
func (s *ExchangeService) BalanceOf(ctx context.Context, token, account string) (decimal.Decimal, error) {
	b, err := s.store.GetBalance(ctx, token, account)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Total, nil
}

// AvailableOf returns the spendable slice of the balance.
func (s *ExchangeService) AvailableOf(ctx context.Context, token, account string) (decimal.Decimal, error) {
	b, err := s.store.GetBalance(ctx, token, account)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available(), nil
}

func (s *ExchangeService) MakeOrder(ctx context.Context, creator, tokenGet string, amountGet decimal.Decimal, tokenGive string, amountGive decimal.Decimal) (*storage.Order, error) {
	start := time.Now()
	order, err := s.store.CreateOrder(ctx, creator, tokenGet, amountGet, tokenGive, amountGive)
	s.metrics.observe("make_order", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OpenOrders.Inc()
	}

	event := OrderCreatedEvent{
		OrderID:    order.ID,
		Creator:    order.Creator,
		TokenGet:   order.TokenGet,
		AmountGet:  order.AmountGet.String(),
		TokenGive:  order.TokenGive,
		AmountGive: order.AmountGive.String(),
	}
	event.Envelope, _ = kafka.NewEnvelope(EventTypeOrderCreated, 1, correlationID(ctx))
	s.publish(ctx, s.topics.Orders, order.Creator, event)

	return order, nil
}

func (s *ExchangeService) CancelOrder(ctx context.Context, id int64, caller string) (*storage.Order, error) {
	start := time.Now()
	order, err := s.store.CancelOrder(ctx, id, caller)
	s.metrics.observe("cancel_order", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OpenOrders.Dec()
	}

	event := OrderCancelledEvent{
		OrderID:    order.ID,
		Creator:    order.Creator,
		TokenGet:   order.TokenGet,
		AmountGet:  order.AmountGet.String(),
		TokenGive:  order.TokenGive,
		AmountGive: order.AmountGive.String(),
	}
	event.Envelope, _ = kafka.NewEnvelope(EventTypeOrderCancelled, 1, correlationID(ctx))
	s.publish(ctx, s.topics.Orders, order.Creator, event)

	return order, nil
}

func (s *ExchangeService) FillOrder(ctx context.Context, id int64, filler string) (*storage.Fill, error) {
	start := time.Now()
	fill, err := s.store.FillOrder(ctx, id, filler)
	s.metrics.observe("fill_order", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OpenOrders.Dec()
		if fill.FeeAmount.Sign() > 0 {
			feeUnits, _ := fill.FeeAmount.Float64()
			s.metrics.FeesCollected.WithLabelValues(fill.Order.TokenGet).Add(feeUnits)
		}
	}

	event := OrderFilledEvent{
		OrderID:    fill.Order.ID,
		Creator:    fill.Order.Creator,
		Filler:     fill.Filler,
		TokenGet:   fill.Order.TokenGet,
		AmountGet:  fill.Order.AmountGet.String(),
		TokenGive:  fill.Order.TokenGive,
		AmountGive: fill.Order.AmountGive.String(),
		FeeAmount:  fill.FeeAmount.String(),
		FeeToken:   fill.Order.TokenGet,
	}
	event.Envelope, _ = kafka.NewEnvelope(EventTypeOrderFilled, 1, correlationID(ctx))
	s.publish(ctx, s.topics.Trades, fill.Order.Creator, event)

	return fill, nil
}

func (s *ExchangeService) GetOrder(ctx context.Context, id int64) (*storage.Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *ExchangeService) ListOrders(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, error) {
	return s.store.ListOrders(ctx, filter)
}

// OrderCount reports how many orders have ever been created; ids are assigned
// sequentially from 1, so this equals the highest assigned id.
func (s *ExchangeService) OrderCount(ctx context.Context) (int64, error) {
	return s.store.OrderCount(ctx)
}

func (s *ExchangeService) IsCancelled(ctx context.Context, id int64) (bool, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	return order.Status == storage.OrderStatusCancelled, nil
}

func (s *ExchangeService) IsFilled(ctx context.Context, id int64) (bool, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	return order.Status == storage.OrderStatusFilled, nil
}

// publish ships an event best-effort: the ledger mutation is already durable,
// so a broker hiccup is logged instead of failing the request.
func (s *ExchangeService) publish(ctx context.Context, topic, key string, event any) {
	if s.publisher == nil || topic == "" {
		return
	}
	if _, _, err := s.publisher.PublishJSON(ctx, topic, key, event); err != nil {
		s.logger.Error("event publish failed",
			"topic", topic,
			"key", key,
			"error", err,
		)
	}
}
