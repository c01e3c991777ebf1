package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/fee"
	"github.com/shopspring/decimal"
)

// Store is the durable ledger implementation. Each mutating method is a
// single pgx transaction with row locks, so balances and reservations are
// never observed half-applied.
type Store struct {
	pool   *pgxpool.Pool
	vault  TokenVault
	fees   fee.Config
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, vault TokenVault, fees fee.Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		vault:  vault,
		fees:   fees,
		logger: logger,
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS exchange_balances (
		token TEXT NOT NULL,
		account TEXT NOT NULL,
		total NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (total >= 0),
		reserved NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= total),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (token, account)
	)`,
	`CREATE TABLE IF NOT EXISTS exchange_orders (
		id BIGINT PRIMARY KEY,
		creator TEXT NOT NULL,
		token_get TEXT NOT NULL,
		amount_get NUMERIC(78,0) NOT NULL CHECK (amount_get > 0),
		token_give TEXT NOT NULL,
		amount_give NUMERIC(78,0) NOT NULL CHECK (amount_give > 0),
		status TEXT NOT NULL DEFAULT 'open',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS exchange_orders_status_idx ON exchange_orders (status, id)`,
	`CREATE TABLE IF NOT EXISTS exchange_order_counter (
		id INT PRIMARY KEY CHECK (id = 1),
		next_id BIGINT NOT NULL
	)`,
	`INSERT INTO exchange_order_counter (id, next_id) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS processed_transfers (
		transfer_id TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the ledger schema. Statements are idempotent so startup can
// run this unconditionally.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Deposit(ctx context.Context, token, account string, amount decimal.Decimal) (Balance, error) {
	if !validAmount(amount) {
		return Balance{}, ErrInvalidAmount
	}

	// The external leg runs first: the ledger only credits funds the vault
	// has actually pulled into custody.
	if err := s.vault.TransferIn(ctx, token, account, amount); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Balance{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	b, err := s.getOrCreateBalanceForUpdate(ctx, tx, token, account)
	if err != nil {
		return Balance{}, err
	}
	b.Total = b.Total.Add(amount)
	if err := s.updateBalance(ctx, tx, b); err != nil {
		return Balance{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Balance{}, err
	}
	committed = true
	return *b, nil
}

func (s *Store) CreditTransfer(ctx context.Context, transferID, token, account string, amount decimal.Decimal) (Balance, bool, error) {
	if !validAmount(amount) {
		return Balance{}, false, ErrInvalidAmount
	}
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return Balance{}, false, fmt.Errorf("transfer id is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Balance{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_transfers (transfer_id)
		VALUES ($1)
		ON CONFLICT (transfer_id) DO NOTHING
	`, transferID)
	if err != nil {
		return Balance{}, false, err
	}
	if tag.RowsAffected() == 0 {
		b, err := s.getOrCreateBalanceForUpdate(ctx, tx, token, account)
		if err != nil {
			return Balance{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Balance{}, false, err
		}
		committed = true
		return *b, true, nil
	}

	b, err := s.getOrCreateBalanceForUpdate(ctx, tx, token, account)
	if err != nil {
		return Balance{}, false, err
	}
	b.Total = b.Total.Add(amount)
	if err := s.updateBalance(ctx, tx, b); err != nil {
		return Balance{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Balance{}, false, err
	}
	committed = true
	return *b, false, nil
}

func (s *Store) Withdraw(ctx context.Context, token, account string, amount decimal.Decimal) (Balance, error) {
	if !validAmount(amount) {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Balance{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	b, err := s.getOrCreateBalanceForUpdate(ctx, tx, token, account)
	if err != nil {
		return Balance{}, err
	}
	if b.Available().LessThan(amount) {
		return Balance{}, ErrInsufficientAvailable
	}

	// Reserved funds stay locked: only balance - reserved may leave custody.
	// The debit commits only if the vault confirms the outbound transfer.
	if err := s.vault.TransferOut(ctx, token, account, amount); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	b.Total = b.Total.Sub(amount)
	if err := s.updateBalance(ctx, tx, b); err != nil {
		return Balance{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Balance{}, err
	}
	committed = true
	return *b, nil
}

func (s *Store) GetBalance(ctx context.Context, token, account string) (Balance, error) {
	var b Balance
	var totalStr, reservedStr string
	row := s.pool.QueryRow(ctx, `
		SELECT token, account, total::text, reserved::text, updated_at
		FROM exchange_balances
		WHERE token = $1 AND account = $2
	`, token, account)
	if err := row.Scan(&b.Token, &b.Account, &totalStr, &reservedStr, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{
				Token:    token,
				Account:  account,
				Total:    decimal.Zero,
				Reserved: decimal.Zero,
			}, nil
		}
		return Balance{}, err
	}

	var err error
	b.Total, err = decimal.NewFromString(totalStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse total balance: %w", err)
	}
	b.Reserved, err = decimal.NewFromString(reservedStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse reserved balance: %w", err)
	}
	return b, nil
}

func (s *Store) CreateOrder(ctx context.Context, creator, tokenGet string, amountGet decimal.Decimal, tokenGive string, amountGive decimal.Decimal) (*Order, error) {
	if !validAmount(amountGet) || !validAmount(amountGive) {
		return nil, ErrInvalidAmount
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	give, err := s.getOrCreateBalanceForUpdate(ctx, tx, tokenGive, creator)
	if err != nil {
		return nil, err
	}
	if give.Available().LessThan(amountGive) {
		return nil, ErrInsufficientAvailable
	}

	give.Reserved = give.Reserved.Add(amountGive)
	if err := s.updateBalance(ctx, tx, give); err != nil {
		return nil, err
	}

	id, err := nextOrderID(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &Order{
		ID:         id,
		Creator:    creator,
		TokenGet:   tokenGet,
		AmountGet:  amountGet,
		TokenGive:  tokenGive,
		AmountGive: amountGive,
		Status:     OrderStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO exchange_orders (id, creator, token_get, amount_get, token_give, amount_give, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, order.ID, order.Creator, order.TokenGet, order.AmountGet.String(), order.TokenGive, order.AmountGive.String(), order.Status, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return order, nil
}

func (s *Store) CancelOrder(ctx context.Context, id int64, caller string) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := getOrderForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusOpen {
		return nil, ErrOrderNotOpen
	}
	if order.Creator != caller {
		return nil, ErrNotCreator
	}

	give, err := s.getOrCreateBalanceForUpdate(ctx, tx, order.TokenGive, order.Creator)
	if err != nil {
		return nil, err
	}
	give.Reserved = give.Reserved.Sub(order.AmountGive)
	if err := s.updateBalance(ctx, tx, give); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := updateOrderStatus(ctx, tx, order.ID, OrderStatusCancelled, now); err != nil {
		return nil, err
	}
	order.Status = OrderStatusCancelled
	order.UpdatedAt = now

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return order, nil
}

func (s *Store) FillOrder(ctx context.Context, id int64, filler string) (*Fill, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := getOrderForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusOpen {
		return nil, ErrOrderNotOpen
	}
	if order.Creator == filler {
		return nil, ErrSelfFill
	}

	feeAmount := s.fees.Calculate(order.AmountGet)
	cost := order.AmountGet.Add(feeAmount)

	// Balance rows are locked in sorted key order so concurrent fills that
	// touch overlapping accounts cannot deadlock.
	keys := []balanceKey{
		{token: order.TokenGive, account: order.Creator},
		{token: order.TokenGive, account: filler},
		{token: order.TokenGet, account: filler},
		{token: order.TokenGet, account: order.Creator},
	}
	if feeAmount.Sign() > 0 {
		keys = append(keys, balanceKey{token: order.TokenGet, account: s.fees.Recipient()})
	}
	balances, err := s.lockBalances(ctx, tx, keys)
	if err != nil {
		return nil, err
	}

	fillerGet := balances[balanceKey{token: order.TokenGet, account: filler}]
	if fillerGet.Available().LessThan(cost) {
		return nil, ErrInsufficientAvailable
	}

	creatorGive := balances[balanceKey{token: order.TokenGive, account: order.Creator}]
	creatorGive.Reserved = creatorGive.Reserved.Sub(order.AmountGive)
	creatorGive.Total = creatorGive.Total.Sub(order.AmountGive)

	fillerGive := balances[balanceKey{token: order.TokenGive, account: filler}]
	fillerGive.Total = fillerGive.Total.Add(order.AmountGive)

	fillerGet.Total = fillerGet.Total.Sub(cost)

	creatorGet := balances[balanceKey{token: order.TokenGet, account: order.Creator}]
	creatorGet.Total = creatorGet.Total.Add(order.AmountGet)

	if feeAmount.Sign() > 0 {
		feeBalance := balances[balanceKey{token: order.TokenGet, account: s.fees.Recipient()}]
		feeBalance.Total = feeBalance.Total.Add(feeAmount)
	}

	for _, b := range balances {
		if err := s.updateBalance(ctx, tx, b); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if err := updateOrderStatus(ctx, tx, order.ID, OrderStatusFilled, now); err != nil {
		return nil, err
	}
	order.Status = OrderStatusFilled
	order.UpdatedAt = now

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	return &Fill{
		Order:     *order,
		Filler:    filler,
		FeeAmount: feeAmount,
		FilledAt:  now,
	}, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, creator, token_get, amount_get::text, token_give, amount_give::text, status, created_at, updated_at
		FROM exchange_orders
		WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	query := `
		SELECT id, creator, token_get, amount_get::text, token_give, amount_give::text, status, created_at, updated_at
		FROM exchange_orders
	`
	var conds []string
	var args []any
	addCond := func(expr string, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	addCond("status = $%d", filter.Status)
	addCond("token_get = $%d", filter.TokenGet)
	addCond("token_give = $%d", filter.TokenGive)
	addCond("creator = $%d", filter.Creator)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return orders, nil
}

func (s *Store) OrderCount(ctx context.Context) (int64, error) {
	var next int64
	row := s.pool.QueryRow(ctx, `SELECT next_id FROM exchange_order_counter WHERE id = 1`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next - 1, nil
}

func (s *Store) lockBalances(ctx context.Context, tx pgx.Tx, keys []balanceKey) (map[balanceKey]*Balance, error) {
	unique := make(map[balanceKey]struct{}, len(keys))
	ordered := make([]balanceKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := unique[key]; ok {
			continue
		}
		unique[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].token != ordered[j].token {
			return ordered[i].token < ordered[j].token
		}
		return ordered[i].account < ordered[j].account
	})

	balances := make(map[balanceKey]*Balance, len(ordered))
	for _, key := range ordered {
		b, err := s.getOrCreateBalanceForUpdate(ctx, tx, key.token, key.account)
		if err != nil {
			return nil, err
		}
		balances[key] = b
	}
	return balances, nil
}

func (s *Store) getOrCreateBalanceForUpdate(ctx context.Context, tx pgx.Tx, token, account string) (*Balance, error) {
	b, err := getBalanceForUpdate(ctx, tx, token, account)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO exchange_balances (token, account, total, reserved)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (token, account) DO NOTHING
	`, token, account)
	if err != nil {
		return nil, err
	}

	return getBalanceForUpdate(ctx, tx, token, account)
}

func getBalanceForUpdate(ctx context.Context, tx pgx.Tx, token, account string) (*Balance, error) {
	var b Balance
	var totalStr, reservedStr string
	row := tx.QueryRow(ctx, `
		SELECT token, account, total::text, reserved::text, updated_at
		FROM exchange_balances
		WHERE token = $1 AND account = $2
		FOR UPDATE
	`, token, account)
	if err := row.Scan(&b.Token, &b.Account, &totalStr, &reservedStr, &b.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	b.Total, err = decimal.NewFromString(totalStr)
	if err != nil {
		return nil, fmt.Errorf("parse total balance: %w", err)
	}
	b.Reserved, err = decimal.NewFromString(reservedStr)
	if err != nil {
		return nil, fmt.Errorf("parse reserved balance: %w", err)
	}
	return &b, nil
}

func (s *Store) updateBalance(ctx context.Context, tx pgx.Tx, b *Balance) error {
	now := time.Now().UTC()
	b.UpdatedAt = now
	_, err := tx.Exec(ctx, `
		UPDATE exchange_balances
		SET total = $1, reserved = $2, updated_at = $3
		WHERE token = $4 AND account = $5
	`, b.Total.String(), b.Reserved.String(), now, b.Token, b.Account)
	return err
}

func getOrderForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*Order, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, creator, token_get, amount_get::text, token_give, amount_give::text, status, created_at, updated_at
		FROM exchange_orders
		WHERE id = $1
		FOR UPDATE
	`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func updateOrderStatus(ctx context.Context, tx pgx.Tx, id int64, status string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE exchange_orders
		SET status = $1, updated_at = $2
		WHERE id = $3
	`, status, now, id)
	return err
}

func nextOrderID(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		UPDATE exchange_order_counter
		SET next_id = next_id + 1
		WHERE id = 1
		RETURNING next_id - 1
	`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var order Order
	var amountGetStr, amountGiveStr string
	if err := row.Scan(&order.ID, &order.Creator, &order.TokenGet, &amountGetStr, &order.TokenGive, &amountGiveStr, &order.Status, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	order.AmountGet, err = decimal.NewFromString(amountGetStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount_get: %w", err)
	}
	order.AmountGive, err = decimal.NewFromString(amountGiveStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount_give: %w", err)
	}
	return &order, nil
}
