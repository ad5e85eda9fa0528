package ledger

import (
	"errors"
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

// DB exposes the underlying connection so collaborating services can run
// ledger postings inside their own storage transactions.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) CreateWallet(wallet *types.Wallet) error {
	return d.db.Create(wallet).Error
}

func (d *Database) GetWallet(walletID string) (*types.Wallet, error) {
	return d.getWallet(d.db, walletID)
}

func (d *Database) GetWalletTx(tx *gorm.DB, walletID string) (*types.Wallet, error) {
	return d.getWallet(tx, walletID)
}

func (d *Database) getWallet(tx *gorm.DB, walletID string) (*types.Wallet, error) {
	var wallet types.Wallet
	if err := tx.Where("wallet_id = ?", walletID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (d *Database) GetWalletByOwner(userID, currency, walletType string) (*types.Wallet, error) {
	var wallet types.Wallet
	err := d.db.Where("user_id = ? AND currency = ? AND wallet_type = ?", userID, currency, walletType).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (d *Database) GetUserWallets(userID string) ([]types.Wallet, error) {
	var wallets []types.Wallet
	if err := d.db.Where("user_id = ?", userID).Order("currency ASC").Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

// UpdateWalletCAS writes the wallet's balances guarded by the version
// column. A zero row count means another writer got in between the read
// and the write, which cannot happen while the wallet lock is held.
func (d *Database) UpdateWalletCAS(tx *gorm.DB, wallet *types.Wallet) error {
	result := tx.Model(&types.Wallet{}).
		Where("wallet_id = ? AND version = ?", wallet.WalletID, wallet.Version).
		Updates(map[string]interface{}{
			"available_balance": wallet.AvailableBalance,
			"locked_balance":    wallet.LockedBalance,
			"status":            wallet.Status,
			"version":           wallet.Version + 1,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &types.ConsistencyError{
			WalletID: wallet.WalletID,
			Detail:   "wallet version changed under lock (lost update)",
		}
	}
	wallet.Version++
	return nil
}

func (d *Database) CreateTransactionTx(tx *gorm.DB, txn *types.Transaction) error {
	return tx.Create(txn).Error
}

func (d *Database) GetTransaction(transactionID string) (*types.Transaction, error) {
	var txn types.Transaction
	if err := d.db.Where("transaction_id = ?", transactionID).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// SumCompletedTransactions reconstructs a wallet's balance as the running
// sum of its completed transactions. Amounts are summed in Go to keep
// decimal exactness; sqlite would coerce the text column to float.
func (d *Database) SumCompletedTransactions(walletID string) (decimal.Decimal, error) {
	var txns []types.Transaction
	err := d.db.Select("amount").
		Where("wallet_id = ? AND status = ?", walletID, types.TxCompleted).
		Find(&txns).Error
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, txn := range txns {
		sum = sum.Add(txn.Amount)
	}
	return sum, nil
}

// GetIdempotencyRecord returns the record for a key, or nil when absent.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) CreateIdempotencyRecordTx(tx *gorm.DB, record *types.IdempotencyRecord) error {
	return tx.Create(record).Error
}
