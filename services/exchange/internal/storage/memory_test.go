package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/fee"
	"github.com/shopspring/decimal"
)

const (
	feeRecipient = "0xfee"
	alice        = "0xa11ce"
	bob          = "0xb0b"
	tokenDapp    = "DAPP"
	tokenMeth    = "METH"
)

type fakeVault struct {
	inErr    error
	outErr   error
	inCalls  int
	outCalls int
}

func (v *fakeVault) TransferIn(ctx context.Context, token, account string, amount decimal.Decimal) error {
	v.inCalls++
	return v.inErr
}

func (v *fakeVault) TransferOut(ctx context.Context, token, account string, amount decimal.Decimal) error {
	v.outCalls++
	return v.outErr
}

func newTestStore(t *testing.T, percent int64) (*MemoryStore, *fakeVault) {
	t.Helper()
	fees, err := fee.NewConfig(feeRecipient, percent)
	if err != nil {
		t.Fatalf("fee config: %v", err)
	}
	vault := &fakeVault{}
	return NewMemoryStore(vault, fees), vault
}

func dec(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func mustDeposit(t *testing.T, s *MemoryStore, token, account string, amount int64) {
	t.Helper()
	if _, err := s.Deposit(context.Background(), token, account, dec(amount)); err != nil {
		t.Fatalf("deposit %d %s for %s: %v", amount, token, account, err)
	}
}

func assertBalance(t *testing.T, s *MemoryStore, token, account string, total, reserved int64) {
	t.Helper()
	b, err := s.GetBalance(context.Background(), token, account)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !b.Total.Equal(dec(total)) {
		t.Errorf("%s/%s total = %s, want %d", token, account, b.Total, total)
	}
	if !b.Reserved.Equal(dec(reserved)) {
		t.Errorf("%s/%s reserved = %s, want %d", token, account, b.Reserved, reserved)
	}
}

func TestDeposit(t *testing.T) {
	s, vault := newTestStore(t, 10)
	ctx := context.Background()

	b, err := s.Deposit(ctx, tokenDapp, alice, dec(100))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !b.Total.Equal(dec(100)) {
		t.Errorf("balance = %s, want 100", b.Total)
	}
	if vault.inCalls != 1 {
		t.Errorf("vault transfer-in calls = %d, want 1", vault.inCalls)
	}

	// Deposits accumulate.
	b, err = s.Deposit(ctx, tokenDapp, alice, dec(50))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !b.Total.Equal(dec(150)) {
		t.Errorf("balance = %s, want 150", b.Total)
	}
}

func TestDepositInvalidAmount(t *testing.T) {
	s, vault := newTestStore(t, 10)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{dec(0), dec(-5), decimal.RequireFromString("1.5")} {
		if _, err := s.Deposit(ctx, tokenDapp, alice, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deposit(%s) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if vault.inCalls != 0 {
		t.Errorf("vault called %d times for invalid deposits", vault.inCalls)
	}
}

func TestDepositVaultFailureLeavesNoTrace(t *testing.T) {
	s, vault := newTestStore(t, 10)
	vault.inErr = errors.New("bridge down")

	_, err := s.Deposit(context.Background(), tokenDapp, alice, dec(100))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("error = %v, want ErrTransferFailed", err)
	}
	assertBalance(t, s, tokenDapp, alice, 0, 0)
}

func TestWithdraw(t *testing.T) {
	s, vault := newTestStore(t, 10)
	mustDeposit(t, s, tokenDapp, alice, 100)

	b, err := s.Withdraw(context.Background(), tokenDapp, alice, dec(60))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !b.Total.Equal(dec(40)) {
		t.Errorf("balance = %s, want 40", b.Total)
	}
	if vault.outCalls != 1 {
		t.Errorf("vault transfer-out calls = %d, want 1", vault.outCalls)
	}
}

func TestWithdrawMoreThanBalance(t *testing.T) {
	s, _ := newTestStore(t, 10)
	mustDeposit(t, s, tokenDapp, alice, 100)

	if _, err := s.Withdraw(context.Background(), tokenDapp, alice, dec(101)); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("error = %v, want ErrInsufficientAvailable", err)
	}
	assertBalance(t, s, tokenDapp, alice, 100, 0)
}

func TestWithdrawCannotTouchReservedFunds(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)

	if _, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(70)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	// 70 of 100 is pledged to the order; only 30 may leave.
	if _, err := s.Withdraw(ctx, tokenDapp, alice, dec(31)); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("error = %v, want ErrInsufficientAvailable", err)
	}
	if _, err := s.Withdraw(ctx, tokenDapp, alice, dec(30)); err != nil {
		t.Fatalf("withdraw of available slice: %v", err)
	}
	assertBalance(t, s, tokenDapp, alice, 70, 70)
}

func TestWithdrawVaultFailureLeavesNoTrace(t *testing.T) {
	s, vault := newTestStore(t, 10)
	mustDeposit(t, s, tokenDapp, alice, 100)
	vault.outErr = errors.New("bridge down")

	if _, err := s.Withdraw(context.Background(), tokenDapp, alice, dec(50)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("error = %v, want ErrTransferFailed", err)
	}
	assertBalance(t, s, tokenDapp, alice, 100, 0)
}

func TestCreditTransferIdempotent(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	b, already, err := s.CreditTransfer(ctx, "tr-1", tokenDapp, alice, dec(100))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if already {
		t.Error("first credit reported as already processed")
	}
	if !b.Total.Equal(dec(100)) {
		t.Errorf("balance = %s, want 100", b.Total)
	}

	b, already, err = s.CreditTransfer(ctx, "tr-1", tokenDapp, alice, dec(100))
	if err != nil {
		t.Fatalf("replay credit: %v", err)
	}
	if !already {
		t.Error("replay not reported as already processed")
	}
	if !b.Total.Equal(dec(100)) {
		t.Errorf("balance after replay = %s, want 100", b.Total)
	}
}

func TestCreateOrderAssignsSequentialIDs(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)

	for want := int64(1); want <= 3; want++ {
		order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(1), tokenDapp, dec(10))
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
		if order.ID != want {
			t.Errorf("order id = %d, want %d", order.ID, want)
		}
		if order.Status != OrderStatusOpen {
			t.Errorf("order status = %s, want open", order.Status)
		}
	}

	count, err := s.OrderCount(ctx)
	if err != nil {
		t.Fatalf("order count: %v", err)
	}
	if count != 3 {
		t.Errorf("order count = %d, want 3", count)
	}
}

func TestCreateOrderReservesGiveAmount(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)

	if _, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100)); err != nil {
		t.Fatalf("create order: %v", err)
	}
	assertBalance(t, s, tokenDapp, alice, 100, 100)

	// Everything is reserved now; a second order cannot be funded.
	if _, err := s.CreateOrder(ctx, alice, tokenMeth, dec(1), tokenDapp, dec(1)); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("error = %v, want ErrInsufficientAvailable", err)
	}
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	if _, err := s.CreateOrder(ctx, alice, tokenMeth, dec(1), tokenDapp, dec(10)); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("error = %v, want ErrInsufficientAvailable", err)
	}
	count, _ := s.OrderCount(ctx)
	if count != 0 {
		t.Errorf("order count = %d, want 0 after rejected order", count)
	}
}

func TestCancelOrderReleasesReservation(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	cancelled, err := s.CancelOrder(ctx, order.ID, alice)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if cancelled.Status != OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	assertBalance(t, s, tokenDapp, alice, 100, 0)
}

func TestCancelOrderOnlyByCreator(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := s.CancelOrder(ctx, order.ID, bob); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("error = %v, want ErrNotCreator", err)
	}
	got, _ := s.GetOrder(ctx, order.ID)
	if got.Status != OrderStatusOpen {
		t.Errorf("status = %s, want open after rejected cancel", got.Status)
	}
	assertBalance(t, s, tokenDapp, alice, 100, 100)
}

func TestCancelOrderErrors(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)

	if _, err := s.CancelOrder(ctx, 99, alice); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.CancelOrder(ctx, order.ID, alice); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if _, err := s.CancelOrder(ctx, order.ID, alice); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("second cancel error = %v, want ErrOrderNotOpen", err)
	}
}

func TestFillOrderSettlement(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)
	mustDeposit(t, s, tokenMeth, bob, 22)

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	fill, err := s.FillOrder(ctx, order.ID, bob)
	if err != nil {
		t.Fatalf("fill order: %v", err)
	}
	if !fill.FeeAmount.Equal(dec(1)) {
		t.Errorf("fee = %s, want 1", fill.FeeAmount)
	}
	if fill.Order.Status != OrderStatusFilled {
		t.Errorf("status = %s, want filled", fill.Order.Status)
	}

	// Creator gave 100 DAPP and received the full 10 METH.
	assertBalance(t, s, tokenDapp, alice, 0, 0)
	assertBalance(t, s, tokenMeth, alice, 10, 0)
	// Filler paid 10 METH plus the 1 METH fee and received 100 DAPP.
	assertBalance(t, s, tokenMeth, bob, 11, 0)
	assertBalance(t, s, tokenDapp, bob, 100, 0)
	// Fee landed with the recipient, in the order's get token.
	assertBalance(t, s, tokenMeth, feeRecipient, 1, 0)
}

func TestFillOrderFeeTruncates(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)
	mustDeposit(t, s, tokenMeth, bob, 100)

	// 10% of 9 truncates to 0; the filler pays exactly 9.
	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(9), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	fill, err := s.FillOrder(ctx, order.ID, bob)
	if err != nil {
		t.Fatalf("fill order: %v", err)
	}
	if !fill.FeeAmount.IsZero() {
		t.Errorf("fee = %s, want 0", fill.FeeAmount)
	}
	assertBalance(t, s, tokenMeth, bob, 91, 0)
	assertBalance(t, s, tokenMeth, feeRecipient, 0, 0)
}

func TestFillOrderRequiresFeeOnTop(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)
	// Bob can cover the order amount but not amount plus fee.
	mustDeposit(t, s, tokenMeth, bob, 10)

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.FillOrder(ctx, order.ID, bob); !errors.Is(err, ErrInsufficientAvailable) {
		t.Fatalf("error = %v, want ErrInsufficientAvailable", err)
	}

	// Nothing moved and the order is still open.
	got, _ := s.GetOrder(ctx, order.ID)
	if got.Status != OrderStatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
	assertBalance(t, s, tokenDapp, alice, 100, 100)
	assertBalance(t, s, tokenMeth, bob, 10, 0)
}

func TestFillOrderTwice(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)
	mustDeposit(t, s, tokenMeth, bob, 50)

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.FillOrder(ctx, order.ID, bob); err != nil {
		t.Fatalf("fill order: %v", err)
	}
	if _, err := s.FillOrder(ctx, order.ID, bob); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("second fill error = %v, want ErrOrderNotOpen", err)
	}
	// The second attempt moved nothing.
	assertBalance(t, s, tokenMeth, bob, 39, 0)
}

func TestFillCancelledOrder(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)
	mustDeposit(t, s, tokenMeth, bob, 50)

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.CancelOrder(ctx, order.ID, alice); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if _, err := s.FillOrder(ctx, order.ID, bob); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("error = %v, want ErrOrderNotOpen", err)
	}
}

func TestFillOwnOrder(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)
	mustDeposit(t, s, tokenMeth, alice, 50)

	order, err := s.CreateOrder(ctx, alice, tokenMeth, dec(10), tokenDapp, dec(100))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.FillOrder(ctx, order.ID, alice); !errors.Is(err, ErrSelfFill) {
		t.Fatalf("error = %v, want ErrSelfFill", err)
	}
}

func TestFillUnknownOrder(t *testing.T) {
	s, _ := newTestStore(t, 10)
	if _, err := s.FillOrder(context.Background(), 7, bob); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}

func TestListOrders(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	mustDeposit(t, s, tokenDapp, alice, 100)
	mustDeposit(t, s, tokenMeth, bob, 100)

	o1, _ := s.CreateOrder(ctx, alice, tokenMeth, dec(1), tokenDapp, dec(10))
	o2, _ := s.CreateOrder(ctx, alice, tokenMeth, dec(2), tokenDapp, dec(20))
	o3, _ := s.CreateOrder(ctx, bob, tokenDapp, dec(10), tokenMeth, dec(1))

	if _, err := s.CancelOrder(ctx, o2.ID, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	open, err := s.ListOrders(ctx, OrderFilter{Status: OrderStatusOpen})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 2 || open[0].ID != o1.ID || open[1].ID != o3.ID {
		t.Errorf("open orders = %v, want ids [%d %d]", open, o1.ID, o3.ID)
	}

	byCreator, err := s.ListOrders(ctx, OrderFilter{Creator: bob})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byCreator) != 1 || byCreator[0].ID != o3.ID {
		t.Errorf("creator filter = %v, want id %d", byCreator, o3.ID)
	}

	limited, err := s.ListOrders(ctx, OrderFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != o1.ID {
		t.Errorf("limit filter = %v, want first order only", limited)
	}
}

// The full lifecycle in one pass: deposits, a cancelled order, a filled order
// and a withdrawal, with every intermediate balance checked.
func TestLedgerEndToEnd(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()

	mustDeposit(t, s, tokenDapp, alice, 1000)
	mustDeposit(t, s, tokenMeth, bob, 200)

	first, err := s.CreateOrder(ctx, alice, tokenMeth, dec(50), tokenDapp, dec(500))
	if err != nil {
		t.Fatalf("create first order: %v", err)
	}
	if _, err := s.CancelOrder(ctx, first.ID, alice); err != nil {
		t.Fatalf("cancel first order: %v", err)
	}
	assertBalance(t, s, tokenDapp, alice, 1000, 0)

	second, err := s.CreateOrder(ctx, alice, tokenMeth, dec(100), tokenDapp, dec(800))
	if err != nil {
		t.Fatalf("create second order: %v", err)
	}
	if second.ID != first.ID+1 {
		t.Errorf("second order id = %d, want %d", second.ID, first.ID+1)
	}

	fill, err := s.FillOrder(ctx, second.ID, bob)
	if err != nil {
		t.Fatalf("fill second order: %v", err)
	}
	if !fill.FeeAmount.Equal(dec(10)) {
		t.Errorf("fee = %s, want 10", fill.FeeAmount)
	}

	assertBalance(t, s, tokenDapp, alice, 200, 0)
	assertBalance(t, s, tokenMeth, alice, 100, 0)
	assertBalance(t, s, tokenDapp, bob, 800, 0)
	assertBalance(t, s, tokenMeth, bob, 90, 0)
	assertBalance(t, s, tokenMeth, feeRecipient, 10, 0)

	if _, err := s.Withdraw(ctx, tokenMeth, bob, dec(90)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	assertBalance(t, s, tokenMeth, bob, 0, 0)

	count, _ := s.OrderCount(ctx)
	if count != 2 {
		t.Errorf("order count = %d, want 2", count)
	}
}
