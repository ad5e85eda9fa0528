package orders

import (
	"errors"
	"testing"

	"github.com/ksred/coinledger-api/internal/database"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/ledger"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/shopspring/decimal"
)

type testEnv struct {
	orders *Service
	ledger *ledger.Service
	feed   *marketdata.Feed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewInMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	locks := keylock.New()
	emitter := events.NewEmitter(64)
	t.Cleanup(emitter.Close)
	feed := marketdata.NewFeed()

	ledgerSvc := ledger.NewService(db, locks, emitter)
	return &testEnv{
		orders: NewService(db, ledgerSvc, feed, emitter, locks),
		ledger: ledgerSvc,
		feed:   feed,
	}
}

func (e *testEnv) fund(t *testing.T, userID, currency, amount string) string {
	t.Helper()
	txn, err := e.ledger.Deposit(userID, currency, types.WalletSpot, decimal.RequireFromString(amount))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	return txn.WalletID
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateLimitBuyReservesNotional(t *testing.T) {
	env := newTestEnv(t)
	walletID := env.fund(t, "user-1", "USDT", "1000")

	order, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderLimit,
		Price:     dec("50000"),
		Quantity:  dec("0.01"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if order.Status != types.StatusOpen {
		t.Errorf("status = %q, want open", order.Status)
	}
	if !order.ReservedAmount.Equal(dec("500")) {
		t.Errorf("reserved = %s, want 500", order.ReservedAmount)
	}
	if !order.RemainingQuantity.Equal(dec("0.01")) {
		t.Errorf("remaining = %s, want 0.01", order.RemainingQuantity)
	}

	balance, _ := env.ledger.GetBalance(walletID)
	if !balance.Available.Equal(dec("500")) || !balance.Locked.Equal(dec("500")) {
		t.Errorf("wallet after create: available=%s locked=%s, want 500/500", balance.Available, balance.Locked)
	}
}

func TestCreateSellReservesBaseQuantity(t *testing.T) {
	env := newTestEnv(t)
	walletID := env.fund(t, "user-1", "BTC", "1")

	order, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideSell,
		OrderType: types.OrderLimit,
		Price:     dec("52000"),
		Quantity:  dec("0.25"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !order.ReservedAmount.Equal(dec("0.25")) {
		t.Errorf("reserved = %s, want 0.25 BTC", order.ReservedAmount)
	}

	balance, _ := env.ledger.GetBalance(walletID)
	if !balance.Locked.Equal(dec("0.25")) {
		t.Errorf("locked = %s, want 0.25", balance.Locked)
	}
}

func TestCreateMarketBuyReservesWithSlippageBuffer(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")
	if err := env.feed.Update("BTCUSDT", dec("50000")); err != nil {
		t.Fatalf("feed update failed: %v", err)
	}

	order, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderMarket,
		Quantity:  dec("0.01"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// 0.01 x 50000 x 1.005
	if !order.ReservedAmount.Equal(dec("502.5")) {
		t.Errorf("reserved = %s, want 502.5", order.ReservedAmount)
	}
}

func TestCreateMarketBuyWithoutFeedPriceFails(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")

	_, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderMarket,
		Quantity:  dec("0.01"),
	})
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestCreateInsufficientFundsPersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	walletID := env.fund(t, "user-1", "USDT", "100")

	_, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderLimit,
		Price:     dec("50000"),
		Quantity:  dec("0.01"),
	})
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	_, total, err := env.orders.List("user-1", ListFilters{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 0 {
		t.Errorf("rejected order was persisted: total = %d", total)
	}

	balance, _ := env.ledger.GetBalance(walletID)
	if !balance.Available.Equal(dec("100")) || !balance.Locked.IsZero() {
		t.Errorf("rejected order moved funds: available=%s locked=%s", balance.Available, balance.Locked)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "100000")

	cases := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"bad side", CreateOrderRequest{Symbol: "BTCUSDT", Side: "hold", OrderType: types.OrderLimit, Price: dec("1"), Quantity: dec("1")}},
		{"bad order type", CreateOrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, OrderType: "iceberg", Price: dec("1"), Quantity: dec("1")}},
		{"zero quantity", CreateOrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, OrderType: types.OrderLimit, Price: dec("1"), Quantity: dec("0")}},
		{"limit without price", CreateOrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, OrderType: types.OrderLimit, Quantity: dec("1")}},
		{"stop without stop price", CreateOrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, OrderType: types.OrderStopLimit, Price: dec("1"), Quantity: dec("1")}},
		{"unknown symbol", CreateOrderRequest{Symbol: "DOGEUSDT", Side: types.SideBuy, OrderType: types.OrderLimit, Price: dec("1"), Quantity: dec("1")}},
		{"below min quantity", CreateOrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, OrderType: types.OrderLimit, Price: dec("50000"), Quantity: dec("0.000001")}},
		{"unsupported market", CreateOrderRequest{Symbol: "BTCUSDT", Side: types.SideBuy, OrderType: types.OrderLimit, Price: dec("50000"), Quantity: dec("0.01"), Market: types.WalletFutures}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.orders.Create("user-1", tc.req)
			var vErr *types.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("got %v, want validation error", err)
			}
		})
	}
}

func TestCreateDuplicateClientOrderIDReturnsExisting(t *testing.T) {
	env := newTestEnv(t)
	walletID := env.fund(t, "user-1", "USDT", "1000")

	req := CreateOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		OrderType:     types.OrderLimit,
		Price:         dec("50000"),
		Quantity:      dec("0.01"),
		ClientOrderID: "client-abc",
	}

	first, err := env.orders.Create("user-1", req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := env.orders.Create("user-1", req)
	if err != nil {
		t.Fatalf("duplicate create failed: %v", err)
	}

	if first.OrderID != second.OrderID {
		t.Errorf("duplicate submission created a new order: %s vs %s", first.OrderID, second.OrderID)
	}

	// Funds reserved exactly once.
	balance, _ := env.ledger.GetBalance(walletID)
	if !balance.Locked.Equal(dec("500")) {
		t.Errorf("locked = %s, want 500", balance.Locked)
	}

	_, total, _ := env.orders.List("user-1", ListFilters{})
	if total != 1 {
		t.Errorf("order count = %d, want 1", total)
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	walletID := env.fund(t, "user-1", "USDT", "1000")

	order, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderLimit,
		Price:     dec("50000"),
		Quantity:  dec("0.01"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	cancelled, err := env.orders.Cancel("user-1", order.OrderID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
	if cancelled.CancelledAt == nil {
		t.Error("cancelled_at not set")
	}
	if !cancelled.ReservedRemaining.IsZero() {
		t.Errorf("reserved remaining = %s, want 0", cancelled.ReservedRemaining)
	}

	balance, _ := env.ledger.GetBalance(walletID)
	if !balance.Available.Equal(dec("1000")) || !balance.Locked.IsZero() {
		t.Errorf("after cancel: available=%s locked=%s, want 1000/0", balance.Available, balance.Locked)
	}
}

func TestCancelTerminalOrderIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")

	order, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderLimit,
		Price:     dec("50000"),
		Quantity:  dec("0.01"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.orders.Cancel("user-1", order.OrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// Cancelling again reports the current terminal state without error.
	again, err := env.orders.Cancel("user-1", order.OrderID)
	if err != nil {
		t.Fatalf("second cancel returned error: %v", err)
	}
	if again.Status != types.StatusCancelled {
		t.Errorf("status = %q, want cancelled", again.Status)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orders.Cancel("user-1", "ORD_missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCancelOtherUsersOrderNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")

	order, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderLimit,
		Price:     dec("50000"),
		Quantity:  dec("0.01"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := env.orders.Cancel("user-2", order.OrderID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCancelAll(t *testing.T) {
	env := newTestEnv(t)
	walletID := env.fund(t, "user-1", "USDT", "10000")
	env.fund(t, "user-1", "ETH", "10")

	for i := 0; i < 3; i++ {
		if _, err := env.orders.Create("user-1", CreateOrderRequest{
			Symbol:    "BTCUSDT",
			Side:      types.SideBuy,
			OrderType: types.OrderLimit,
			Price:     dec("50000"),
			Quantity:  dec("0.01"),
		}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := env.orders.Create("user-1", CreateOrderRequest{
		Symbol:    "ETHUSDT",
		Side:      types.SideSell,
		OrderType: types.OrderLimit,
		Price:     dec("3000"),
		Quantity:  dec("1"),
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Symbol filter leaves the ETH order open.
	result, err := env.orders.CancelAll("user-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("cancel all failed: %v", err)
	}
	if result.Cancelled != 3 {
		t.Errorf("cancelled = %d, want 3", result.Cancelled)
	}
	if len(result.Outcomes) != 3 {
		t.Errorf("outcomes = %d, want 3", len(result.Outcomes))
	}

	balance, _ := env.ledger.GetBalance(walletID)
	if !balance.Available.Equal(dec("10000")) {
		t.Errorf("available = %s, want 10000", balance.Available)
	}

	open, err := env.orders.GetDB().ListCancellable("user-1", "")
	if err != nil {
		t.Fatalf("list cancellable failed: %v", err)
	}
	if len(open) != 1 || open[0].Symbol != "ETHUSDT" {
		t.Errorf("remaining open orders = %v, want the ETHUSDT sell", open)
	}
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "10000")

	var orderIDs []string
	for i := 0; i < 5; i++ {
		order, err := env.orders.Create("user-1", CreateOrderRequest{
			Symbol:    "BTCUSDT",
			Side:      types.SideBuy,
			OrderType: types.OrderLimit,
			Price:     dec("50000"),
			Quantity:  dec("0.01"),
		})
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		orderIDs = append(orderIDs, order.OrderID)
	}
	if _, err := env.orders.Cancel("user-1", orderIDs[0]); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	open, total, err := env.orders.List("user-1", ListFilters{Status: types.StatusOpen})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 4 || len(open) != 4 {
		t.Errorf("open orders = %d (total %d), want 4", len(open), total)
	}

	paged, total, err := env.orders.List("user-1", ListFilters{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 5 || len(paged) != 2 {
		t.Errorf("page = %d rows (total %d), want 2 rows of 5", len(paged), total)
	}
}
