package trades

import (
	"errors"
	"testing"

	"github.com/ksred/coinledger-api/internal/database"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/ledger"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/orders"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/shopspring/decimal"
)

type testEnv struct {
	trades *Service
	orders *orders.Service
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
		trades: NewService(db, ledgerSvc, emitter, locks),
		orders: orders.NewService(db, ledgerSvc, feed, emitter, locks),
		ledger: ledgerSvc,
		feed:   feed,
	}
}

func (e *testEnv) fund(t *testing.T, userID, currency, amount string) string {
	t.Helper()
	txn, err := e.ledger.Deposit(userID, currency, types.WalletSpot, dec(amount))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	return txn.WalletID
}

func (e *testEnv) limitOrder(t *testing.T, userID, side, price, quantity string) *types.Order {
	t.Helper()
	order, err := e.orders.Create(userID, orders.CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      side,
		OrderType: types.OrderLimit,
		Price:     dec(price),
		Quantity:  dec(quantity),
	})
	if err != nil {
		t.Fatalf("create %s order failed: %v", side, err)
	}
	return order
}

func (e *testEnv) balance(t *testing.T, userID, currency string) *types.BalanceResponse {
	t.Helper()
	wallet, err := e.ledger.GetOrCreateWallet(userID, currency, types.WalletSpot)
	if err != nil {
		t.Fatalf("wallet lookup failed: %v", err)
	}
	balance, err := e.ledger.GetBalance(wallet.WalletID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	return balance
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// A funded buy order filled in full: the locked quote notional is spent,
// the base asset arrives net of the fee, and the books still balance.
func TestRecordFillBuyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	usdtWallet := env.fund(t, "user-1", "USDT", "1000")

	order := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")

	trade, err := env.trades.RecordFill(order.OrderID, dec("50000"), dec("0.01"), false)
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	// 0.01 x 50000 x 0.001 taker
	if !trade.Fee.Equal(dec("0.5")) {
		t.Errorf("fee = %s, want 0.5", trade.Fee)
	}
	if trade.FeeCurrency != "USDT" {
		t.Errorf("fee currency = %q, want USDT", trade.FeeCurrency)
	}

	updated, err := env.orders.Get("user-1", order.OrderID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if updated.Status != types.StatusFilled {
		t.Errorf("status = %q, want filled", updated.Status)
	}
	if !updated.AvgPrice.Equal(dec("50000")) {
		t.Errorf("avg price = %s, want 50000", updated.AvgPrice)
	}
	if !updated.Fee.Equal(dec("0.5")) {
		t.Errorf("order fee = %s, want 0.5", updated.Fee)
	}
	if !updated.ReservedRemaining.IsZero() {
		t.Errorf("reserved remaining = %s, want 0", updated.ReservedRemaining)
	}

	usdt, _ := env.ledger.GetBalance(usdtWallet)
	if !usdt.Available.Equal(dec("500")) || !usdt.Locked.IsZero() {
		t.Errorf("USDT after fill: available=%s locked=%s, want 500/0", usdt.Available, usdt.Locked)
	}

	// Fee comes out of the base proceeds: 0.01 - 0.5/50000.
	btc := env.balance(t, "user-1", "BTC")
	if !btc.Available.Equal(dec("0.00999")) {
		t.Errorf("BTC after fill = %s, want 0.00999", btc.Available)
	}

	// Wallet balances remain reconstructible from the audit trail.
	sum, err := env.ledger.GetDB().SumCompletedTransactions(usdtWallet)
	if err != nil {
		t.Fatalf("sum transactions failed: %v", err)
	}
	if !sum.Equal(usdt.Total) {
		t.Errorf("USDT transaction sum = %s, wallet total = %s", sum, usdt.Total)
	}
}

func TestPartialFillThenCancelReleasesExactly(t *testing.T) {
	env := newTestEnv(t)
	usdtWallet := env.fund(t, "user-1", "USDT", "1000")

	order := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")

	if _, err := env.trades.RecordFill(order.OrderID, dec("50000"), dec("0.003"), false); err != nil {
		t.Fatalf("partial fill failed: %v", err)
	}

	partial, _ := env.orders.Get("user-1", order.OrderID)
	if partial.Status != types.StatusPartiallyFilled {
		t.Errorf("status = %q, want partially_filled", partial.Status)
	}
	if !partial.RemainingQuantity.Equal(dec("0.007")) {
		t.Errorf("remaining = %s, want 0.007", partial.RemainingQuantity)
	}
	if !partial.ReservedRemaining.Equal(dec("350")) {
		t.Errorf("reserved remaining = %s, want 350", partial.ReservedRemaining)
	}

	cancelled, err := env.orders.Cancel("user-1", order.OrderID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
	if !cancelled.FilledQuantity.Equal(dec("0.003")) {
		t.Errorf("filled survives cancel: %s, want 0.003", cancelled.FilledQuantity)
	}

	// 1000 - 150 spent, nothing left locked.
	usdt, _ := env.ledger.GetBalance(usdtWallet)
	if !usdt.Available.Equal(dec("850")) || !usdt.Locked.IsZero() {
		t.Errorf("USDT after cancel: available=%s locked=%s, want 850/0", usdt.Available, usdt.Locked)
	}
}

func TestSellConsumesLotsFIFO(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1200")

	// Two buy lots at different prices.
	buy1 := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")
	if _, err := env.trades.RecordFill(buy1.OrderID, dec("50000"), dec("0.01"), false); err != nil {
		t.Fatalf("first buy fill failed: %v", err)
	}
	buy2 := env.limitOrder(t, "user-1", types.SideBuy, "60000", "0.01")
	if _, err := env.trades.RecordFill(buy2.OrderID, dec("60000"), dec("0.01"), false); err != nil {
		t.Fatalf("second buy fill failed: %v", err)
	}

	sell := env.limitOrder(t, "user-1", types.SideSell, "70000", "0.015")
	trade, err := env.trades.RecordFill(sell.OrderID, dec("70000"), dec("0.015"), false)
	if err != nil {
		t.Fatalf("sell fill failed: %v", err)
	}

	// Oldest lot first: (70000-50000) x 0.01 + (70000-60000) x 0.005.
	if !trade.RealizedPnL.Equal(dec("250")) {
		t.Errorf("realized pnl = %s, want 250", trade.RealizedPnL)
	}

	// 100 left after the buys, plus proceeds net of the 0.1% fee:
	// 1050 - 1.05.
	usdt := env.balance(t, "user-1", "USDT")
	if !usdt.Available.Equal(dec("1148.95")) {
		t.Errorf("USDT after sell = %s, want 1148.95", usdt.Available)
	}

	// The holding aggregate tracks the surviving lot.
	var holding types.AssetHolding
	if err := env.ledger.GetDB().DB().Where("user_id = ? AND asset = ?", "user-1", "BTC").First(&holding).Error; err != nil {
		t.Fatalf("holding lookup failed: %v", err)
	}
	if !holding.Quantity.Equal(dec("0.005")) {
		t.Errorf("holding quantity = %s, want 0.005", holding.Quantity)
	}
	if !holding.AvgBuyPrice.Equal(dec("60000")) {
		t.Errorf("holding avg price = %s, want 60000", holding.AvgBuyPrice)
	}
}

func TestSellOfDepositedCoinsCarriesNoCostBasis(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "BTC", "1")

	sell := env.limitOrder(t, "user-1", types.SideSell, "50000", "0.5")
	trade, err := env.trades.RecordFill(sell.OrderID, dec("50000"), dec("0.5"), false)
	if err != nil {
		t.Fatalf("sell fill failed: %v", err)
	}

	// Deposited coins have no lots; nothing to realize against.
	if !trade.RealizedPnL.IsZero() {
		t.Errorf("realized pnl = %s, want 0", trade.RealizedPnL)
	}
}

func TestFillExceedingRemainingRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")

	order := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")

	_, err := env.trades.RecordFill(order.OrderID, dec("50000"), dec("0.011"), false)
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestFillOnTerminalOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")

	order := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")
	if _, err := env.orders.Cancel("user-1", order.OrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err := env.trades.RecordFill(order.OrderID, dec("50000"), dec("0.01"), false)
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestBuyFillAboveReserveRejected(t *testing.T) {
	env := newTestEnv(t)
	usdtWallet := env.fund(t, "user-1", "USDT", "1000")

	order := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")

	// A fill above the limit price would cost more than was reserved.
	_, err := env.trades.RecordFill(order.OrderID, dec("50100"), dec("0.01"), false)
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want validation error", err)
	}

	// Rejection leaves the order and wallet untouched.
	unchanged, _ := env.orders.Get("user-1", order.OrderID)
	if unchanged.Status != types.StatusOpen {
		t.Errorf("status = %q, want open", unchanged.Status)
	}
	usdt, _ := env.ledger.GetBalance(usdtWallet)
	if !usdt.Locked.Equal(dec("500")) {
		t.Errorf("locked = %s, want 500", usdt.Locked)
	}
}

func TestMarketBuyLeftoverReserveReleasedOnFill(t *testing.T) {
	env := newTestEnv(t)
	usdtWallet := env.fund(t, "user-1", "USDT", "1000")
	if err := env.feed.Update("BTCUSDT", dec("50000")); err != nil {
		t.Fatalf("feed update failed: %v", err)
	}

	order, err := env.orders.Create("user-1", orders.CreateOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderMarket,
		Quantity:  dec("0.01"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Reserved with the slippage buffer: 502.5.
	if !order.ReservedAmount.Equal(dec("502.5")) {
		t.Fatalf("reserved = %s, want 502.5", order.ReservedAmount)
	}

	if _, err := env.trades.RecordFill(order.OrderID, dec("50000"), dec("0.01"), false); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	// Only the notional is spent; the buffer is handed back.
	usdt, _ := env.ledger.GetBalance(usdtWallet)
	if !usdt.Available.Equal(dec("500")) || !usdt.Locked.IsZero() {
		t.Errorf("USDT after fill: available=%s locked=%s, want 500/0", usdt.Available, usdt.Locked)
	}
}

func TestMakerFeeRateApplied(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")

	order := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")

	trade, err := env.trades.RecordFill(order.OrderID, dec("50000"), dec("0.01"), true)
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	// 0.01 x 50000 x 0.0008 maker
	if !trade.Fee.Equal(dec("0.4")) {
		t.Errorf("maker fee = %s, want 0.4", trade.Fee)
	}
}

func TestGetOrderTradesEnforcesOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")

	order := env.limitOrder(t, "user-1", types.SideBuy, "50000", "0.01")
	if _, err := env.trades.RecordFill(order.OrderID, dec("50000"), dec("0.01"), false); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	own, err := env.trades.GetOrderTrades("user-1", order.OrderID)
	if err != nil {
		t.Fatalf("get trades failed: %v", err)
	}
	if len(own) != 1 {
		t.Errorf("trades = %d, want 1", len(own))
	}

	if _, err := env.trades.GetOrderTrades("user-2", order.OrderID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound for foreign order", err)
	}
}
