package portfolio

import (
	"time"

	"github.com/ksred/coinledger-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetUserWallets(userID string) ([]types.Wallet, error) {
	var wallets []types.Wallet
	if err := d.db.Where("user_id = ?", userID).Order("currency ASC").Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

// HistoryFilters narrows and pages a transaction history query.
type HistoryFilters struct {
	Currency string
	Type     string
	Page     int
	PageSize int
}

func (d *Database) GetTransactionHistory(userID string, filters HistoryFilters) ([]types.Transaction, int64, error) {
	query := d.db.Model(&types.Transaction{}).Where("user_id = ?", userID)
	if filters.Currency != "" {
		query = query.Where("currency = ?", filters.Currency)
	}
	if filters.Type != "" {
		query = query.Where("type = ?", filters.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var txns []types.Transaction
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// SumRealizedPnL totals realized P&L over trades executed since the cutoff.
// Summed in Go to keep decimal exactness.
func (d *Database) SumRealizedPnL(userID string, since time.Time) (decimal.Decimal, error) {
	var trades []types.Trade
	query := d.db.Select("realized_pnl").Where("user_id = ?", userID)
	if !since.IsZero() {
		query = query.Where("executed_at >= ?", since)
	}
	if err := query.Find(&trades).Error; err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, trade := range trades {
		sum = sum.Add(trade.RealizedPnL)
	}
	return sum, nil
}

func (d *Database) GetHoldings(userID string) ([]types.AssetHolding, error) {
	var holdings []types.AssetHolding
	err := d.db.Where("user_id = ? AND quantity > 0", userID).Order("asset ASC").Find(&holdings).Error
	if err != nil {
		return nil, err
	}
	return holdings, nil
}
