package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet types
const (
	WalletSpot    = "spot"
	WalletFutures = "futures"
	WalletMargin  = "margin"
	WalletFunding = "funding"
	WalletEarn    = "earn"
)

// Wallet statuses
const (
	WalletActive = "active"
	WalletLocked = "locked"
)

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types
const (
	OrderMarket     = "market"
	OrderLimit      = "limit"
	OrderStopLimit  = "stop_limit"
	OrderStopMarket = "stop_market"
)

// Order statuses
const (
	StatusPending         = "pending"
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

// Transaction types
const (
	TxDeposit     = "deposit"
	TxWithdrawal  = "withdrawal"
	TxTradeBuy    = "trade_buy"
	TxTradeSell   = "trade_sell"
	TxFee         = "fee"
	TxTransferIn  = "transfer_in"
	TxTransferOut = "transfer_out"
	TxAdjustment  = "adjustment"
)

// Transaction statuses
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
	TxCancelled = "cancelled"
)

// Balance buckets a posting can apply to
const (
	BucketAvailable = "available"
	BucketLocked    = "locked"
)

// AmountPrecision is the number of decimal places carried for all monetary
// amounts. Matches the widest precision used for crypto quantities.
const AmountPrecision = 18

// TruncateAmount truncates an amount to the ledger precision. Truncation
// always rounds toward zero so fee computation never credits dust back to
// the client.
func TruncateAmount(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(AmountPrecision)
}

// Wallet holds a user's balance for a single currency and wallet type.
// Balances are mutated only by the ledger package; Version is bumped on
// every write and compared-and-swapped to detect lost updates.
type Wallet struct {
	gorm.Model       `json:"-"`
	WalletID         string          `gorm:"uniqueIndex" json:"wallet_id"`
	UserID           string          `gorm:"index:idx_wallet_owner,unique" json:"user_id"`
	Currency         string          `gorm:"index:idx_wallet_owner,unique" json:"currency"`
	WalletType       string          `gorm:"index:idx_wallet_owner,unique" json:"wallet_type"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(36,18)" json:"available_balance"`
	LockedBalance    decimal.Decimal `gorm:"type:decimal(36,18)" json:"locked_balance"`
	Status           string          `json:"status"`
	Version          int64           `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TotalBalance returns available + locked.
func (w *Wallet) TotalBalance() decimal.Decimal {
	return w.AvailableBalance.Add(w.LockedBalance)
}

// Order is an intent to trade. Orders are never deleted, only transitioned
// to a terminal state.
type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	UserID            string          `gorm:"index;index:idx_user_client_order,unique" json:"user_id"`
	ClientOrderID     *string         `gorm:"index:idx_user_client_order,unique" json:"client_order_id,omitempty"`
	Market            string          `json:"market"`
	Symbol            string          `gorm:"index" json:"symbol"`
	Side              string          `json:"side"`
	OrderType         string          `json:"order_type"`
	Price             decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	StopPrice         decimal.Decimal `gorm:"type:decimal(36,18)" json:"stop_price"`
	Quantity          decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	FilledQuantity    decimal.Decimal `gorm:"type:decimal(36,18)" json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(36,18)" json:"remaining_quantity"`
	AvgPrice          decimal.Decimal `gorm:"type:decimal(36,18)" json:"avg_price"`
	Fee               decimal.Decimal `gorm:"type:decimal(36,18)" json:"fee"`
	ReserveWalletID   string          `json:"-"`
	ReservedAmount    decimal.Decimal `gorm:"type:decimal(36,18)" json:"reserved_amount"`
	ReservedRemaining decimal.Decimal `gorm:"type:decimal(36,18)" json:"reserved_remaining"`
	Status            string          `gorm:"index" json:"status"`
	Reason            string          `json:"reason,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// orderTransitions is the order state machine. partially_filled may loop on
// itself as further fills arrive.
var orderTransitions = map[string][]string{
	StatusPending:         {StatusOpen, StatusRejected},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// CanTransition reports whether the order may move to the given status.
func (o *Order) CanTransition(to string) bool {
	for _, next := range orderTransitions[o.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the order has reached a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Trade is an executed fill against an order. Immutable once created.
type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string          `gorm:"uniqueIndex" json:"trade_id"`
	OrderID     string          `gorm:"index" json:"order_id"`
	UserID      string          `gorm:"index" json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	Fee         decimal.Decimal `gorm:"type:decimal(36,18)" json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	IsMaker     bool            `json:"is_maker"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(36,18)" json:"realized_pnl"`
	ExecutedAt  time.Time       `gorm:"index" json:"executed_at"`
}

// Transaction is the atomic unit of balance change and the wallet audit
// trail. Amount is the signed delta to the wallet's total balance; Bucket
// records which side of the available/locked split it applied to.
// BalanceBefore/BalanceAfter are total balances captured under the wallet
// lock at posting time.
type Transaction struct {
	gorm.Model           `json:"-"`
	TransactionID        string          `gorm:"uniqueIndex" json:"transaction_id"`
	WalletID             string          `gorm:"index" json:"wallet_id"`
	UserID               string          `gorm:"index" json:"user_id"`
	Currency             string          `json:"currency"`
	Type                 string          `gorm:"index" json:"type"`
	Bucket               string          `json:"bucket"`
	Amount               decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount"`
	BalanceBefore        decimal.Decimal `gorm:"type:decimal(36,18)" json:"balance_before"`
	BalanceAfter         decimal.Decimal `gorm:"type:decimal(36,18)" json:"balance_after"`
	Status               string          `json:"status"`
	RelatedTransactionID string          `json:"related_transaction_id,omitempty"`
	OrderID              string          `gorm:"index" json:"order_id,omitempty"`
	TradeID              string          `json:"trade_id,omitempty"`
	Destination          string          `json:"destination,omitempty"`
	Description          string          `json:"description,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// AssetHolding is the derived aggregate of a user's position in one asset.
// Quantity always equals the sum of remaining quantity over open lots.
type AssetHolding struct {
	gorm.Model  `json:"-"`
	UserID      string          `gorm:"index:idx_holding_owner,unique" json:"user_id"`
	Asset       string          `gorm:"index:idx_holding_owner,unique" json:"asset"`
	Quantity    decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	AvgBuyPrice decimal.Decimal `gorm:"type:decimal(36,18)" json:"avg_buy_price"`
	TotalCost   decimal.Decimal `gorm:"type:decimal(36,18)" json:"total_cost"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AssetLot is a discrete purchase batch, consumed oldest-first on sells for
// cost basis and realized P&L.
type AssetLot struct {
	gorm.Model        `json:"-"`
	LotID             string          `gorm:"uniqueIndex" json:"lot_id"`
	UserID            string          `gorm:"index:idx_lot_owner" json:"user_id"`
	Asset             string          `gorm:"index:idx_lot_owner" json:"asset"`
	Quantity          decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(36,18)" json:"remaining_quantity"`
	Price             decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	OrderID           string          `json:"order_id"`
	TradeID           string          `json:"trade_id"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Instrument describes a tradable pair and its fee/precision metadata.
type Instrument struct {
	gorm.Model     `json:"-"`
	Symbol         string          `gorm:"uniqueIndex" json:"symbol"`
	BaseCurrency   string          `json:"base_currency"`
	QuoteCurrency  string          `json:"quote_currency"`
	MakerFeeRate   decimal.Decimal `gorm:"type:decimal(12,8)" json:"maker_fee_rate"`
	TakerFeeRate   decimal.Decimal `gorm:"type:decimal(12,8)" json:"taker_fee_rate"`
	MinQuantity    decimal.Decimal `gorm:"type:decimal(36,18)" json:"min_quantity"`
	TradingEnabled bool            `json:"trading_enabled"`
}

// FeeRate returns the applicable fee rate for a fill.
func (i *Instrument) FeeRate(isMaker bool) decimal.Decimal {
	if isMaker {
		return i.MakerFeeRate
	}
	return i.TakerFeeRate
}

// IdempotencyRecord guards retried mutations (withdrawals). Written in the
// same storage transaction as the resource it protects.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
