package orders

import (
	"errors"

	"github.com/ksred/coinledger-api/internal/types"
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

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
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

func (d *Database) GetOrderByUser(orderID, userID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetOrderByClientOrderID looks up an order by the caller-supplied
// idempotency key. Returns nil when no such order exists.
func (d *Database) GetOrderByClientOrderID(userID, clientOrderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Where("user_id = ? AND client_order_id = ?", userID, clientOrderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) UpdateOrderTx(tx *gorm.DB, order *types.Order) error {
	return tx.Save(order).Error
}

// ListFilters narrows and pages an order listing.
type ListFilters struct {
	Status   string
	Symbol   string
	Page     int
	PageSize int
}

func (d *Database) ListOrders(userID string, filters ListFilters) ([]types.Order, int64, error) {
	query := d.db.Model(&types.Order{}).Where("user_id = ?", userID)
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.Symbol != "" {
		query = query.Where("symbol = ?", filters.Symbol)
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
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var orders []types.Order
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ListCancellable returns the user's open and partially filled orders,
// optionally narrowed by symbol.
func (d *Database) ListCancellable(userID, symbol string) ([]types.Order, error) {
	query := d.db.Where("user_id = ? AND status IN ?", userID,
		[]string{types.StatusOpen, types.StatusPartiallyFilled})
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var orders []types.Order
	if err := query.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
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
