// Package trades records executed fills: the immutable trade row, the
// atomic multi-leg ledger posting, the order's fill bookkeeping and the
// FIFO lot accounting behind realized P&L.
package trades

import (
	"time"

	"github.com/google/uuid"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/ledger"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service records fills against open orders.
type Service struct {
	db          *Database
	ledger      *ledger.Service
	emitter     *events.Emitter
	locks       *keylock.Ring
	lockTimeout time.Duration
}

// NewService creates a trade recorder wired to the ledger and event
// emitter.
func NewService(gormDB *gorm.DB, ledgerSvc *ledger.Service, emitter *events.Emitter, locks *keylock.Ring) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		ledger:      ledgerSvc,
		emitter:     emitter,
		locks:       locks,
		lockTimeout: ledger.DefaultLockTimeout,
	}
}

// RecordFill applies an execution report to an order: one immutable trade
// row, every ledger leg, the order's fill bookkeeping and the lot
// accounting commit together or not at all.
func (s *Service) RecordFill(orderID string, fillPrice, fillQuantity decimal.Decimal, isMaker bool) (*types.Trade, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("service", "trades").
		Logger()

	fillPrice = types.TruncateAmount(fillPrice)
	fillQuantity = types.TruncateAmount(fillQuantity)
	if !fillPrice.IsPositive() {
		return nil, types.NewValidationError("price", "must be positive")
	}
	if !fillQuantity.IsPositive() {
		return nil, types.NewValidationError("quantity", "must be positive")
	}

	// The order lock resolves fill-vs-cancel races: whoever acquires it
	// first wins, the loser sees the updated state.
	releaseOrder, err := s.locks.Acquire("order:"+orderID, s.lockTimeout)
	if err != nil {
		return nil, types.ErrLockTimeout
	}
	defer releaseOrder()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.StatusOpen && order.Status != types.StatusPartiallyFilled {
		return nil, types.NewValidationError("status", "order is not fillable in status "+order.Status)
	}
	if fillQuantity.GreaterThan(order.RemainingQuantity) {
		return nil, types.NewValidationError("quantity", "fill exceeds remaining quantity")
	}

	instrument, err := s.db.GetInstrument(order.Symbol)
	if err != nil {
		return nil, err
	}

	// Fees are computed in quote units and truncated toward the platform.
	fee := types.TruncateAmount(fillQuantity.Mul(fillPrice).Mul(instrument.FeeRate(isMaker)))
	notional := types.TruncateAmount(fillQuantity.Mul(fillPrice))

	var legs []ledger.PostSpec
	var counterWallet *types.Wallet
	var reserveConsumed decimal.Decimal

	trade := &types.Trade{
		TradeID:     "TRD_" + uuid.New().String(),
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Price:       fillPrice,
		Quantity:    fillQuantity,
		Fee:         fee,
		FeeCurrency: instrument.QuoteCurrency,
		IsMaker:     isMaker,
		RealizedPnL: decimal.Zero,
		ExecutedAt:  time.Now(),
	}

	switch order.Side {
	case types.SideBuy:
		reserveConsumed = notional
		if reserveConsumed.GreaterThan(order.ReservedRemaining) {
			return nil, types.NewValidationError("price", "fill cost exceeds reserved funds")
		}

		counterWallet, err = s.ledger.GetOrCreateWallet(order.UserID, instrument.BaseCurrency, order.Market)
		if err != nil {
			return nil, err
		}

		// Buy-side fee comes out of the base proceeds at the fill price.
		feeBase := decimal.Zero
		if fee.IsPositive() {
			feeBase = types.TruncateAmount(fee.Div(fillPrice))
		}

		legs = []ledger.PostSpec{
			{
				WalletID: order.ReserveWalletID,
				Type:     types.TxTradeBuy,
				Bucket:   types.BucketLocked,
				Amount:   notional.Neg(),
				OrderID:  order.OrderID,
				TradeID:  trade.TradeID,
			},
			{
				WalletID: counterWallet.WalletID,
				Type:     types.TxTradeBuy,
				Amount:   fillQuantity,
				OrderID:  order.OrderID,
				TradeID:  trade.TradeID,
			},
		}
		if feeBase.IsPositive() {
			legs = append(legs, ledger.PostSpec{
				WalletID: counterWallet.WalletID,
				Type:     types.TxFee,
				Amount:   feeBase.Neg(),
				OrderID:  order.OrderID,
				TradeID:  trade.TradeID,
			})
		}

	case types.SideSell:
		reserveConsumed = fillQuantity
		if reserveConsumed.GreaterThan(order.ReservedRemaining) {
			return nil, &types.ConsistencyError{
				WalletID: order.ReserveWalletID,
				Detail:   "sell fill exceeds reserved base quantity",
			}
		}

		counterWallet, err = s.ledger.GetOrCreateWallet(order.UserID, instrument.QuoteCurrency, order.Market)
		if err != nil {
			return nil, err
		}

		legs = []ledger.PostSpec{
			{
				WalletID: order.ReserveWalletID,
				Type:     types.TxTradeSell,
				Bucket:   types.BucketLocked,
				Amount:   fillQuantity.Neg(),
				OrderID:  order.OrderID,
				TradeID:  trade.TradeID,
			},
			{
				WalletID: counterWallet.WalletID,
				Type:     types.TxTradeSell,
				Amount:   notional,
				OrderID:  order.OrderID,
				TradeID:  trade.TradeID,
			},
		}
		if fee.IsPositive() {
			legs = append(legs, ledger.PostSpec{
				WalletID: counterWallet.WalletID,
				Type:     types.TxFee,
				Amount:   fee.Neg(),
				OrderID:  order.OrderID,
				TradeID:  trade.TradeID,
			})
		}

	default:
		return nil, types.NewValidationError("side", "unknown order side")
	}

	releaseWallets, err := s.ledger.AcquireWallets(order.ReserveWalletID, counterWallet.WalletID)
	if err != nil {
		return nil, err
	}
	defer releaseWallets()

	filled := false
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		// Lot accounting first: a sell's realized P&L is recorded on the
		// trade row.
		switch order.Side {
		case types.SideBuy:
			if err := s.db.CreateLotTx(tx, &types.AssetLot{
				LotID:             "LOT_" + uuid.New().String(),
				UserID:            order.UserID,
				Asset:             instrument.BaseCurrency,
				Quantity:          fillQuantity,
				RemainingQuantity: fillQuantity,
				Price:             fillPrice,
				OrderID:           order.OrderID,
				TradeID:           trade.TradeID,
				CreatedAt:         time.Now(),
			}); err != nil {
				return err
			}
		case types.SideSell:
			realized, err := s.consumeLotsTx(tx, order.UserID, instrument.BaseCurrency, fillQuantity, fillPrice)
			if err != nil {
				return err
			}
			trade.RealizedPnL = realized
		}

		if err := s.db.RecomputeHoldingTx(tx, order.UserID, instrument.BaseCurrency); err != nil {
			return err
		}

		if err := s.db.CreateTradeTx(tx, trade); err != nil {
			return err
		}

		if _, err := s.ledger.PostLegsWithin(tx, legs); err != nil {
			return err
		}

		// Order fill bookkeeping.
		previousFilled := order.FilledQuantity
		order.FilledQuantity = order.FilledQuantity.Add(fillQuantity)
		order.RemainingQuantity = order.RemainingQuantity.Sub(fillQuantity)
		order.Fee = order.Fee.Add(fee)
		order.ReservedRemaining = order.ReservedRemaining.Sub(reserveConsumed)
		weighted := order.AvgPrice.Mul(previousFilled).Add(fillPrice.Mul(fillQuantity))
		order.AvgPrice = types.TruncateAmount(weighted.Div(order.FilledQuantity))

		next := types.StatusPartiallyFilled
		if order.RemainingQuantity.IsZero() {
			next = types.StatusFilled
		}
		if !order.CanTransition(next) {
			return &types.ConsistencyError{Detail: "illegal order transition " + order.Status + " -> " + next}
		}
		order.Status = next
		order.UpdatedAt = time.Now()

		// A filled market buy may have over-reserved for slippage; hand
		// the remainder back.
		if next == types.StatusFilled && order.ReservedRemaining.IsPositive() {
			if err := s.ledger.ReleaseWithin(tx, order.ReserveWalletID, order.ReservedRemaining); err != nil {
				return err
			}
			order.ReservedRemaining = decimal.Zero
		}
		filled = next == types.StatusFilled

		return s.db.UpdateOrderTx(tx, order)
	})
	if err != nil {
		logger.Error().Err(err).Msg("fill rejected, no state changed")
		return nil, err
	}

	s.ledger.NotifyBalanceChanged(order.ReserveWalletID, counterWallet.WalletID)
	s.emitter.Publish(events.TradeExecuted, order.UserID, trade)
	if filled {
		s.emitter.Publish(events.OrderFilled, order.UserID, order)
	}

	logger.Info().
		Str("trade_id", trade.TradeID).
		Str("price", fillPrice.String()).
		Str("quantity", fillQuantity.String()).
		Str("fee", fee.String()).
		Str("order_status", order.Status).
		Msg("fill recorded")
	return trade, nil
}

// consumeLotsTx walks open lots oldest-first, consuming quantity and
// accumulating realized P&L as (sellPrice - lot.buyPrice) x consumed.
// Quantity acquired outside lot tracking (e.g. deposited coins) carries no
// cost basis and contributes zero realized P&L.
func (s *Service) consumeLotsTx(tx *gorm.DB, userID, asset string, quantity, sellPrice decimal.Decimal) (decimal.Decimal, error) {
	lots, err := s.db.GetOpenLotsTx(tx, userID, asset)
	if err != nil {
		return decimal.Zero, err
	}

	realized := decimal.Zero
	remaining := quantity
	for i := range lots {
		if !remaining.IsPositive() {
			break
		}

		consume := decimal.Min(remaining, lots[i].RemainingQuantity)
		lots[i].RemainingQuantity = lots[i].RemainingQuantity.Sub(consume)
		if err := s.db.UpdateLotTx(tx, &lots[i]); err != nil {
			return decimal.Zero, err
		}

		realized = realized.Add(sellPrice.Sub(lots[i].Price).Mul(consume))
		remaining = remaining.Sub(consume)
	}

	return types.TruncateAmount(realized), nil
}

// GetOrderTrades lists the fills recorded against one of the user's
// orders.
func (s *Service) GetOrderTrades(userID, orderID string) ([]types.Trade, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, types.ErrNotFound
	}
	return s.db.GetTradesByOrder(orderID)
}
