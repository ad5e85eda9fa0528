// Package orders owns the order state machine: validation, fund
// reservation on submission, and cancellation with release of the unfilled
// reservation. Fill-side transitions are driven by the trades package.
package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/ledger"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// slippageBuffer pads the reserve for market buys, where the eventual fill
// price is not known at submission time.
var slippageBuffer = decimal.NewFromFloat(0.005)

// Service handles order lifecycle operations.
type Service struct {
	db          *Database
	ledger      *ledger.Service
	feed        *marketdata.Feed
	emitter     *events.Emitter
	locks       *keylock.Ring
	lockTimeout time.Duration
}

// NewService creates an order service wired to the ledger, price feed and
// event emitter.
func NewService(gormDB *gorm.DB, ledgerSvc *ledger.Service, feed *marketdata.Feed, emitter *events.Emitter, locks *keylock.Ring) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		ledger:      ledgerSvc,
		feed:        feed,
		emitter:     emitter,
		locks:       locks,
		lockTimeout: ledger.DefaultLockTimeout,
	}
}

// GetDB exposes the orders database for collaborating services.
func (s *Service) GetDB() *Database {
	return s.db
}

// CreateOrderRequest carries the caller's order intent.
type CreateOrderRequest struct {
	Symbol        string          `json:"symbol" binding:"required"`
	Side          string          `json:"side" binding:"required"`
	OrderType     string          `json:"order_type" binding:"required"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Quantity      decimal.Decimal `json:"quantity" binding:"required"`
	ClientOrderID string          `json:"client_order_id"`
	Market        string          `json:"market"`
}

// Create validates the request, reserves funds and persists the order as
// open. On insufficient funds nothing is persisted: the caller gets the
// domain error and no order row exists. A request repeating an existing
// (user, client_order_id) pair returns the original order.
func (s *Service) Create(userID string, req CreateOrderRequest) (*types.Order, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("service", "orders").
		Logger()

	if req.Market == "" {
		req.Market = types.WalletSpot
	}

	instrument, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	// Idempotent resubmission check before any funds move.
	if req.ClientOrderID != "" {
		existing, err := s.db.GetOrderByClientOrderID(userID, req.ClientOrderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logger.Info().
				Str("order_id", existing.OrderID).
				Str("client_order_id", req.ClientOrderID).
				Msg("duplicate order submission, returning existing order")
			return existing, nil
		}
	}

	reserveCurrency, reserveAmount, err := s.reserveRequirement(&req, instrument)
	if err != nil {
		return nil, err
	}

	wallet, err := s.ledger.GetOrCreateWallet(userID, reserveCurrency, req.Market)
	if err != nil {
		return nil, err
	}
	if wallet.Status != types.WalletActive {
		return nil, types.NewValidationError("wallet", "trading is disabled for this wallet")
	}

	reservation, err := s.ledger.Reserve(wallet.WalletID, reserveAmount)
	if err != nil {
		return nil, err
	}

	order := &types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		UserID:            userID,
		Market:            req.Market,
		Symbol:            req.Symbol,
		Side:              req.Side,
		OrderType:         req.OrderType,
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		Quantity:          req.Quantity,
		FilledQuantity:    decimal.Zero,
		RemainingQuantity: req.Quantity,
		AvgPrice:          decimal.Zero,
		Fee:               decimal.Zero,
		ReserveWalletID:   wallet.WalletID,
		ReservedAmount:    reservation.Amount,
		ReservedRemaining: reservation.Amount,
		Status:            types.StatusPending,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if req.ClientOrderID != "" {
		order.ClientOrderID = &req.ClientOrderID
	}

	if err := s.db.CreateOrder(order); err != nil {
		// The reservation must not outlive a failed insert.
		if releaseErr := s.ledger.Release(reservation); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("failed to release reservation after insert failure")
		}

		// A unique-index race on client_order_id means a concurrent retry
		// won; hand back the winner's order.
		if req.ClientOrderID != "" {
			if existing, lookupErr := s.db.GetOrderByClientOrderID(userID, req.ClientOrderID); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	order.Status = types.StatusOpen
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("order_type", order.OrderType).
		Str("quantity", order.Quantity.String()).
		Str("reserved", reservation.Amount.String()).
		Msg("order accepted")
	return order, nil
}

func (s *Service) validate(req *CreateOrderRequest) (*types.Instrument, error) {
	switch req.Side {
	case types.SideBuy, types.SideSell:
	default:
		return nil, types.NewValidationError("side", "must be buy or sell")
	}

	switch req.OrderType {
	case types.OrderMarket, types.OrderLimit, types.OrderStopLimit, types.OrderStopMarket:
	default:
		return nil, types.NewValidationError("order_type", "unknown order type")
	}

	if !req.Quantity.IsPositive() {
		return nil, types.NewValidationError("quantity", "must be positive")
	}
	if (req.OrderType == types.OrderLimit || req.OrderType == types.OrderStopLimit) && !req.Price.IsPositive() {
		return nil, types.NewValidationError("price", "must be positive for limit orders")
	}
	if (req.OrderType == types.OrderStopLimit || req.OrderType == types.OrderStopMarket) && !req.StopPrice.IsPositive() {
		return nil, types.NewValidationError("stop_price", "must be positive for stop orders")
	}
	if req.Market != types.WalletSpot {
		return nil, types.NewValidationError("market", "only spot trading is supported")
	}

	instrument, err := s.db.GetInstrument(req.Symbol)
	if err != nil {
		return nil, err
	}
	if !instrument.TradingEnabled {
		return nil, types.NewValidationError("symbol", "trading is disabled for this symbol")
	}
	if req.Quantity.LessThan(instrument.MinQuantity) {
		return nil, types.NewValidationError("quantity", "below minimum quantity")
	}
	return instrument, nil
}

// reserveRequirement computes the currency and amount to lock for an
// order: quote notional for buys (best price plus slippage buffer when the
// fill price is unknown), base quantity for sells.
func (s *Service) reserveRequirement(req *CreateOrderRequest, instrument *types.Instrument) (string, decimal.Decimal, error) {
	if req.Side == types.SideSell {
		return instrument.BaseCurrency, req.Quantity, nil
	}

	switch req.OrderType {
	case types.OrderLimit, types.OrderStopLimit:
		return instrument.QuoteCurrency, types.TruncateAmount(req.Quantity.Mul(req.Price)), nil
	default:
		best, ok := s.feed.LastPrice(req.Symbol)
		if !ok {
			return "", decimal.Zero, types.NewValidationError("price", "no market price available for estimate")
		}
		estimate := req.Quantity.Mul(best).Mul(decimal.NewFromInt(1).Add(slippageBuffer))
		return instrument.QuoteCurrency, types.TruncateAmount(estimate), nil
	}
}

// Cancel transitions an order to cancelled and releases the unfilled
// portion's reservation. Racing against a concurrent fill is resolved by
// the order lock: a loser that finds the order already terminal returns
// its current state unchanged.
func (s *Service) Cancel(userID, orderID string) (*types.Order, error) {
	releaseLock, err := s.locks.Acquire("order:"+orderID, s.lockTimeout)
	if err != nil {
		return nil, types.ErrLockTimeout
	}
	defer releaseLock()

	order, err := s.db.GetOrderByUser(orderID, userID)
	if err != nil {
		return nil, err
	}

	if order.IsTerminal() {
		return order, nil
	}
	if !order.CanTransition(types.StatusCancelled) {
		return nil, types.NewValidationError("status", "order cannot be cancelled from "+order.Status)
	}

	releaseWallet, err := s.ledger.AcquireWallet(order.ReserveWalletID)
	if err != nil {
		return nil, err
	}
	defer releaseWallet()

	remaining := order.ReservedRemaining
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.ReleaseWithin(tx, order.ReserveWalletID, remaining); err != nil {
			return err
		}

		now := time.Now()
		order.Status = types.StatusCancelled
		order.CancelledAt = &now
		order.ReservedRemaining = decimal.Zero
		order.UpdatedAt = now
		return s.db.UpdateOrderTx(tx, order)
	})
	if err != nil {
		return nil, err
	}

	s.ledger.NotifyBalanceChanged(order.ReserveWalletID)
	s.emitter.Publish(events.OrderCancelled, userID, order)

	log.Info().
		Str("order_id", order.OrderID).
		Str("user_id", userID).
		Str("released", remaining.String()).
		Str("service", "orders").
		Msg("order cancelled")
	return order, nil
}

// CancelAll cancels every matching open order, collecting per-order
// outcomes so one failure never blocks the rest.
func (s *Service) CancelAll(userID, symbol string) (*types.CancelAllResponse, error) {
	open, err := s.db.ListCancellable(userID, symbol)
	if err != nil {
		return nil, err
	}

	result := &types.CancelAllResponse{Outcomes: make([]types.CancelOutcome, 0, len(open))}
	for i := range open {
		cancelled, err := s.Cancel(userID, open[i].OrderID)
		if err != nil {
			result.Outcomes = append(result.Outcomes, types.CancelOutcome{
				OrderID: open[i].OrderID,
				Status:  open[i].Status,
				Error:   err.Error(),
			})
			continue
		}

		outcome := types.CancelOutcome{OrderID: cancelled.OrderID, Status: cancelled.Status}
		if cancelled.Status == types.StatusCancelled {
			result.Cancelled++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

// Get retrieves one of the user's orders.
func (s *Service) Get(userID, orderID string) (*types.Order, error) {
	return s.db.GetOrderByUser(orderID, userID)
}

// List returns a filtered, paged order listing.
func (s *Service) List(userID string, filters ListFilters) ([]types.Order, int64, error) {
	return s.db.ListOrders(userID, filters)
}
