package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceResponse is the read-side view of a single wallet.
type BalanceResponse struct {
	WalletID   string          `json:"wallet_id"`
	Currency   string          `json:"currency"`
	WalletType string          `json:"wallet_type"`
	Available  decimal.Decimal `json:"available"`
	Locked     decimal.Decimal `json:"locked"`
	Total      decimal.Decimal `json:"total"`
}

// WalletValuation is a wallet balance converted to the reference currency.
type WalletValuation struct {
	BalanceResponse
	Price decimal.Decimal `json:"price"`
	Value decimal.Decimal `json:"value"`
}

// OverviewResponse aggregates all of a user's wallets valued in the
// reference currency at current feed prices.
type OverviewResponse struct {
	UserID            string            `json:"user_id"`
	ReferenceCurrency string            `json:"reference_currency"`
	TotalValue        decimal.Decimal   `json:"total_value"`
	Wallets           []WalletValuation `json:"wallets"`
	AsOf              time.Time         `json:"as_of"`
}

// TransactionHistoryResponse is a page of a wallet's audit trail.
type TransactionHistoryResponse struct {
	Transactions []Transaction `json:"transactions"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	Total        int64         `json:"total"`
}

// HoldingPnL is the unrealized position detail for one asset.
type HoldingPnL struct {
	Asset         string          `json:"asset"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// ProfitLossResponse combines realized P&L over a period with unrealized
// P&L from open holdings at mark price.
type ProfitLossResponse struct {
	UserID        string          `json:"user_id"`
	Period        string          `json:"period"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	Holdings      []HoldingPnL    `json:"holdings"`
}

// CancelOutcome reports the result of cancelling one order as part of a
// cancel-all request.
type CancelOutcome struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// CancelAllResponse collects per-order outcomes; one failure never blocks
// the rest.
type CancelAllResponse struct {
	Cancelled int             `json:"cancelled"`
	Outcomes  []CancelOutcome `json:"outcomes"`
}
