package portfolio

import (
	"errors"
	"testing"

	"github.com/ksred/coinledger-api/internal/database"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/ledger"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/orders"
	"github.com/ksred/coinledger-api/internal/trades"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/shopspring/decimal"
)

type testEnv struct {
	portfolio *Service
	ledger    *ledger.Service
	orders    *orders.Service
	trades    *trades.Service
	feed      *marketdata.Feed
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
		portfolio: NewService(db, feed),
		ledger:    ledgerSvc,
		orders:    orders.NewService(db, ledgerSvc, feed, emitter, locks),
		trades:    trades.NewService(db, ledgerSvc, emitter, locks),
		feed:      feed,
	}
}

func (e *testEnv) fund(t *testing.T, userID, currency, amount string) {
	t.Helper()
	if _, err := e.ledger.Deposit(userID, currency, types.WalletSpot, dec(amount)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func (e *testEnv) fillLimitOrder(t *testing.T, userID, side, price, quantity string) {
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
	if _, err := e.trades.RecordFill(order.OrderID, dec(price), dec(quantity), false); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestGetOverviewValuesWalletsAtFeedPrices(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1000")
	env.fund(t, "user-1", "BTC", "0.5")
	env.fund(t, "user-1", "ETH", "2")

	if err := env.feed.Update("BTCUSDT", dec("50000")); err != nil {
		t.Fatalf("feed update failed: %v", err)
	}
	// No ETH price on purpose.

	overview, err := env.portfolio.GetOverview("user-1")
	if err != nil {
		t.Fatalf("overview failed: %v", err)
	}

	if overview.ReferenceCurrency != "USDT" {
		t.Errorf("reference currency = %q, want USDT", overview.ReferenceCurrency)
	}
	if len(overview.Wallets) != 3 {
		t.Fatalf("wallets = %d, want 3", len(overview.Wallets))
	}

	// 1000 USDT at par plus 0.5 BTC at 50000; unpriced ETH counts zero.
	if !overview.TotalValue.Equal(dec("26000")) {
		t.Errorf("total value = %s, want 26000", overview.TotalValue)
	}

	for _, wallet := range overview.Wallets {
		switch wallet.Currency {
		case "USDT":
			if !wallet.Price.Equal(dec("1")) || !wallet.Value.Equal(dec("1000")) {
				t.Errorf("USDT price=%s value=%s, want 1/1000", wallet.Price, wallet.Value)
			}
		case "BTC":
			if !wallet.Value.Equal(dec("25000")) {
				t.Errorf("BTC value = %s, want 25000", wallet.Value)
			}
		case "ETH":
			if !wallet.Value.IsZero() {
				t.Errorf("unpriced ETH value = %s, want 0", wallet.Value)
			}
		}
	}
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "750")

	balance, err := env.portfolio.GetBalance("user-1", "USDT", types.WalletSpot)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !balance.Available.Equal(dec("750")) {
		t.Errorf("available = %s, want 750", balance.Available)
	}

	if _, err := env.portfolio.GetBalance("user-1", "BTC", types.WalletSpot); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound for missing wallet", err)
	}
}

func TestGetTransactionHistoryFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "100")
	env.fund(t, "user-1", "USDT", "200")
	env.fund(t, "user-1", "BTC", "1")
	if _, err := env.ledger.Withdraw("user-1", "USDT", types.WalletSpot, "addr-1", dec("50")); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	all, err := env.portfolio.GetTransactionHistory("user-1", HistoryFilters{})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if all.Total != 4 {
		t.Errorf("total = %d, want 4", all.Total)
	}

	deposits, err := env.portfolio.GetTransactionHistory("user-1", HistoryFilters{Type: types.TxDeposit})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if deposits.Total != 3 {
		t.Errorf("deposits = %d, want 3", deposits.Total)
	}

	usdt, err := env.portfolio.GetTransactionHistory("user-1", HistoryFilters{Currency: "USDT"})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if usdt.Total != 3 {
		t.Errorf("USDT transactions = %d, want 3", usdt.Total)
	}

	page, err := env.portfolio.GetTransactionHistory("user-1", HistoryFilters{Page: 2, PageSize: 3})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if page.Total != 4 || len(page.Transactions) != 1 {
		t.Errorf("page 2 = %d rows (total %d), want 1 row of 4", len(page.Transactions), page.Total)
	}
}

func TestGetProfitLossCombinesRealizedAndUnrealized(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user-1", "USDT", "1500")

	// Round trip: buy 0.01 at 50000, sell it at 60000 -> realized 100.
	env.fillLimitOrder(t, "user-1", types.SideBuy, "50000", "0.01")
	env.fillLimitOrder(t, "user-1", types.SideSell, "60000", "0.00999")

	// Open position: buy 0.01 at 50000, marked at 55000 -> unrealized 50.
	env.fillLimitOrder(t, "user-1", types.SideBuy, "50000", "0.01")
	if err := env.feed.Update("BTCUSDT", dec("55000")); err != nil {
		t.Fatalf("feed update failed: %v", err)
	}

	pnl, err := env.portfolio.GetProfitLoss("user-1", "all")
	if err != nil {
		t.Fatalf("pnl failed: %v", err)
	}

	// (60000 - 50000) x 0.00999 sold FIFO from the first lot.
	if !pnl.RealizedPnL.Equal(dec("99.9")) {
		t.Errorf("realized = %s, want 99.9", pnl.RealizedPnL)
	}
	if len(pnl.Holdings) != 1 {
		t.Fatalf("holdings = %d, want 1", len(pnl.Holdings))
	}
	if !pnl.TotalPnL.Equal(pnl.RealizedPnL.Add(pnl.UnrealizedPnL)) {
		t.Errorf("total %s != realized %s + unrealized %s", pnl.TotalPnL, pnl.RealizedPnL, pnl.UnrealizedPnL)
	}
}

func TestGetProfitLossRejectsUnknownPeriod(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.portfolio.GetProfitLoss("user-1", "1y")
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestGetProfitLossPeriodsAcceptKnownValues(t *testing.T) {
	env := newTestEnv(t)

	for _, period := range []string{"24h", "7d", "30d", "all", ""} {
		if _, err := env.portfolio.GetProfitLoss("user-1", period); err != nil {
			t.Errorf("period %q rejected: %v", period, err)
		}
	}
}
