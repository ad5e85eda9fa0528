package database

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/coinledger-api/internal/database/migrations"
	"github.com/ksred/coinledger-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection backed by
// the given sqlite file. An empty path uses the default database file.
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "coinledger.db"
	}
	return open(sqlite.Open(path))
}

// NewInMemory returns a throwaway database for tests. Each call gets its
// own shared-cache memory database pinned to a single connection so all
// gorm sessions see the same data.
func NewInMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := open(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

func open(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Wallet{},
		&types.Order{},
		&types.Trade{},
		&types.Transaction{},
		&types.AssetHolding{},
		&types.AssetLot{},
		&types.Instrument{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.SeedInstruments(db); err != nil {
		return nil, fmt.Errorf("failed to seed instruments: %w", err)
	}

	return db, nil
}
