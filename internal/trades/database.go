package trades

import (
	"errors"

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

func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrderTx(tx *gorm.DB, order *types.Order) error {
	return tx.Save(order).Error
}

func (d *Database) CreateTradeTx(tx *gorm.DB, trade *types.Trade) error {
	return tx.Create(trade).Error
}

func (d *Database) GetTradesByOrder(orderID string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("order_id = ?", orderID).Order("executed_at ASC").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

func (d *Database) GetInstrument(symbol string) (*types.Instrument, error) {
	var instrument types.Instrument
	if err := d.db.Where("symbol = ?", symbol).First(&instrument).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewValidationError("symbol", "unknown symbol")
		}
		return nil, err
	}
	return &instrument, nil
}

// GetOpenLotsTx returns the user's open lots for an asset, oldest first.
func (d *Database) GetOpenLotsTx(tx *gorm.DB, userID, asset string) ([]types.AssetLot, error) {
	var lots []types.AssetLot
	err := tx.Where("user_id = ? AND asset = ? AND remaining_quantity > 0", userID, asset).
		Order("created_at ASC, id ASC").
		Find(&lots).Error
	if err != nil {
		return nil, err
	}
	return lots, nil
}

func (d *Database) CreateLotTx(tx *gorm.DB, lot *types.AssetLot) error {
	return tx.Create(lot).Error
}

func (d *Database) UpdateLotTx(tx *gorm.DB, lot *types.AssetLot) error {
	return tx.Save(lot).Error
}

// RecomputeHoldingTx rebuilds the derived holding aggregate from open lots
// so that holding quantity always equals the sum of lot remainders.
func (d *Database) RecomputeHoldingTx(tx *gorm.DB, userID, asset string) error {
	lots, err := d.GetOpenLotsTx(tx, userID, asset)
	if err != nil {
		return err
	}

	quantity := decimal.Zero
	totalCost := decimal.Zero
	for _, lot := range lots {
		quantity = quantity.Add(lot.RemainingQuantity)
		totalCost = totalCost.Add(lot.RemainingQuantity.Mul(lot.Price))
	}

	avgBuyPrice := decimal.Zero
	if quantity.IsPositive() {
		avgBuyPrice = types.TruncateAmount(totalCost.Div(quantity))
	}

	var holding types.AssetHolding
	err = tx.Where("user_id = ? AND asset = ?", userID, asset).First(&holding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		holding = types.AssetHolding{UserID: userID, Asset: asset}
		holding.Quantity = quantity
		holding.AvgBuyPrice = avgBuyPrice
		holding.TotalCost = types.TruncateAmount(totalCost)
		return tx.Create(&holding).Error
	}
	if err != nil {
		return err
	}

	holding.Quantity = quantity
	holding.AvgBuyPrice = avgBuyPrice
	holding.TotalCost = types.TruncateAmount(totalCost)
	return tx.Save(&holding).Error
}
