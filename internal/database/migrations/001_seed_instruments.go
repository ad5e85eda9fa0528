package migrations

import (
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SeedInstruments installs the default trading pairs when the instruments
// table is empty. Fee rates follow the standard 0.1% taker / 0.08% maker
// schedule.
func SeedInstruments(db *gorm.DB) error {
	var count int64
	if err := db.Model(&types.Instrument{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	instruments := []types.Instrument{
		{
			Symbol:         "BTCUSDT",
			BaseCurrency:   "BTC",
			QuoteCurrency:  "USDT",
			MakerFeeRate:   decimal.NewFromFloat(0.0008),
			TakerFeeRate:   decimal.NewFromFloat(0.001),
			MinQuantity:    decimal.NewFromFloat(0.00001),
			TradingEnabled: true,
		},
		{
			Symbol:         "ETHUSDT",
			BaseCurrency:   "ETH",
			QuoteCurrency:  "USDT",
			MakerFeeRate:   decimal.NewFromFloat(0.0008),
			TakerFeeRate:   decimal.NewFromFloat(0.001),
			MinQuantity:    decimal.NewFromFloat(0.0001),
			TradingEnabled: true,
		},
	}

	return db.Create(&instruments).Error
}
