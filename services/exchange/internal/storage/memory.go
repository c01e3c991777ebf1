package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/fee"
	"github.com/shopspring/decimal"
)

type balanceKey struct {
	token   string
	account string
}

// MemoryStore keeps the whole ledger behind a single mutex, which gives every
// mutating operation the one-at-a-time transaction semantics the ledger
// requires. It backs unit tests and the dev storage driver.
type MemoryStore struct {
	mu        sync.Mutex
	vault     TokenVault
	fees      fee.Config
	balances  map[balanceKey]*Balance
	orders    map[int64]*Order
	orderIDs  []int64
	nextID    int64
	processed map[string]struct{}
}

func NewMemoryStore(vault TokenVault, fees fee.Config) *MemoryStore {
	return &MemoryStore{
		vault:     vault,
		fees:      fees,
		balances:  make(map[balanceKey]*Balance),
		orders:    make(map[int64]*Order),
		nextID:    1,
		processed: make(map[string]struct{}),
	}
}

func (s *MemoryStore) balance(token, account string) *Balance {
	key := balanceKey{token: token, account: account}
	b, ok := s.balances[key]
	if !ok {
		b = &Balance{
			Token:    token,
			Account:  account,
			Total:    decimal.Zero,
			Reserved: decimal.Zero,
		}
		s.balances[key] = b
	}
	return b
}

func (s *MemoryStore) Deposit(ctx context.Context, token, account string, amount decimal.Decimal) (Balance, error) {
	if !validAmount(amount) {
		return Balance{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.vault.TransferIn(ctx, token, account, amount); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	b := s.balance(token, account)
	b.Total = b.Total.Add(amount)
	b.UpdatedAt = time.Now().UTC()
	return *b, nil
}

func (s *MemoryStore) CreditTransfer(ctx context.Context, transferID, token, account string, amount decimal.Decimal) (Balance, bool, error) {
	if !validAmount(amount) {
		return Balance{}, false, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(token, account)
	if _, done := s.processed[transferID]; done {
		return *b, true, nil
	}

	b.Total = b.Total.Add(amount)
	b.UpdatedAt = time.Now().UTC()
	s.processed[transferID] = struct{}{}
	return *b, false, nil
}

func (s *MemoryStore) Withdraw(ctx context.Context, token, account string, amount decimal.Decimal) (Balance, error) {
	if !validAmount(amount) {
		return Balance{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(token, account)
	if b.Available().LessThan(amount) {
		return Balance{}, ErrInsufficientAvailable
	}

	if err := s.vault.TransferOut(ctx, token, account, amount); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	b.Total = b.Total.Sub(amount)
	b.UpdatedAt = time.Now().UTC()
	return *b, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, token, account string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{token: token, account: account}
	if b, ok := s.balances[key]; ok {
		return *b, nil
	}
	return Balance{Token: token, Account: account, Total: decimal.Zero, Reserved: decimal.Zero}, nil
}

func (s *MemoryStore) CreateOrder(ctx context.Context, creator, tokenGet string, amountGet decimal.Decimal, tokenGive string, amountGive decimal.Decimal) (*Order, error) {
	if !validAmount(amountGet) || !validAmount(amountGive) {
		return nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	give := s.balance(tokenGive, creator)
	if give.Available().LessThan(amountGive) {
		return nil, ErrInsufficientAvailable
	}

	now := time.Now().UTC()
	give.Reserved = give.Reserved.Add(amountGive)
	give.UpdatedAt = now

	order := &Order{
		ID:         s.nextID,
		Creator:    creator,
		TokenGet:   tokenGet,
		AmountGet:  amountGet,
		TokenGive:  tokenGive,
		AmountGive: amountGive,
		Status:     OrderStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.nextID++
	s.orders[order.ID] = order
	s.orderIDs = append(s.orderIDs, order.ID)

	copied := *order
	return &copied, nil
}

func (s *MemoryStore) CancelOrder(ctx context.Context, id int64, caller string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Status != OrderStatusOpen {
		return nil, ErrOrderNotOpen
	}
	if order.Creator != caller {
		return nil, ErrNotCreator
	}

	now := time.Now().UTC()
	give := s.balance(order.TokenGive, order.Creator)
	give.Reserved = give.Reserved.Sub(order.AmountGive)
	give.UpdatedAt = now

	order.Status = OrderStatusCancelled
	order.UpdatedAt = now

	copied := *order
	return &copied, nil
}

func (s *MemoryStore) FillOrder(ctx context.Context, id int64, filler string) (*Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Status != OrderStatusOpen {
		return nil, ErrOrderNotOpen
	}
	if order.Creator == filler {
		return nil, ErrSelfFill
	}

	feeAmount := s.fees.Calculate(order.AmountGet)
	cost := order.AmountGet.Add(feeAmount)

	fillerGet := s.balance(order.TokenGet, filler)
	if fillerGet.Available().LessThan(cost) {
		return nil, ErrInsufficientAvailable
	}

	now := time.Now().UTC()

	creatorGive := s.balance(order.TokenGive, order.Creator)
	creatorGive.Reserved = creatorGive.Reserved.Sub(order.AmountGive)
	creatorGive.Total = creatorGive.Total.Sub(order.AmountGive)
	creatorGive.UpdatedAt = now

	fillerGive := s.balance(order.TokenGive, filler)
	fillerGive.Total = fillerGive.Total.Add(order.AmountGive)
	fillerGive.UpdatedAt = now

	fillerGet.Total = fillerGet.Total.Sub(cost)
	fillerGet.UpdatedAt = now

	creatorGet := s.balance(order.TokenGet, order.Creator)
	creatorGet.Total = creatorGet.Total.Add(order.AmountGet)
	creatorGet.UpdatedAt = now

	if feeAmount.Sign() > 0 {
		feeBalance := s.balance(order.TokenGet, s.fees.Recipient())
		feeBalance.Total = feeBalance.Total.Add(feeAmount)
		feeBalance.UpdatedAt = now
	}

	order.Status = OrderStatusFilled
	order.UpdatedAt = now

	return &Fill{
		Order:     *order,
		Filler:    filler,
		FeeAmount: feeAmount,
		FilledAt:  now,
	}, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Order
	for _, id := range s.orderIDs {
		order := s.orders[id]
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.TokenGet != "" && order.TokenGet != filter.TokenGet {
			continue
		}
		if filter.TokenGive != "" && order.TokenGive != filter.TokenGive {
			continue
		}
		if filter.Creator != "" && order.Creator != filter.Creator {
			continue
		}
		out = append(out, *order)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) OrderCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID - 1, nil
}
