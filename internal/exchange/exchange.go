// Package exchange simulates the execution venue boundary. There is no
// matching engine here: venues fill open orders at the feed price plus
// variance, and every resulting fill is posted through the trade recorder
// exactly as a real execution report would be.
package exchange

import (
	"math/rand"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/orders"
	"github.com/ksred/coinledger-api/internal/trades"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue represents a simulated trading venue
type Venue struct {
	ID              string
	Name            string
	MinLatency      int // in milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, share of quantity it can absorb
	MakerShare      float64 // 0-1, probability a fill rests as maker
}

var venues = []*Venue{
	{
		ID:              "VEN1",
		Name:            "Primary Venue",
		MinLatency:      5,
		MaxLatency:      30,
		LiquidityFactor: 0.9,
		MakerShare:      0.4,
	},
	{
		ID:              "VEN2",
		Name:            "Secondary Venue",
		MinLatency:      10,
		MaxLatency:      50,
		LiquidityFactor: 0.7,
		MakerShare:      0.3,
	},
	{
		ID:              "VEN3",
		Name:            "Dark Pool",
		MinLatency:      20,
		MaxLatency:      100,
		LiquidityFactor: 0.4,
		MakerShare:      0.8,
	},
}

// Service routes open orders across simulated venues and records the
// resulting fills.
type Service struct {
	orders   *orders.Service
	recorder *trades.Service
	feed     *marketdata.Feed
}

// NewService creates an execution simulator wired to the order store,
// trade recorder and price feed.
func NewService(orderSvc *orders.Service, recorder *trades.Service, feed *marketdata.Feed) *Service {
	return &Service{
		orders:   orderSvc,
		recorder: recorder,
		feed:     feed,
	}
}

// Execute fills an open order across up to three venues. Limit orders fill
// at the order price; market orders fill at the feed price with a small
// variance. Returns the trades recorded.
func (s *Service) Execute(userID, orderID string) ([]*types.Trade, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("component", "exchange").
		Logger()

	order, err := s.orders.Get(userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.StatusOpen && order.Status != types.StatusPartiallyFilled {
		return nil, types.NewValidationError("status", "order is not executable in status "+order.Status)
	}

	basePrice, err := s.fillPrice(order)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("symbol", order.Symbol).
		Str("remaining", order.RemainingQuantity.String()).
		Msg("starting simulated execution")

	remaining := order.RemainingQuantity
	var recorded []*types.Trade
	for attempt := 0; attempt < 3 && remaining.IsPositive(); attempt++ {
		venue := venues[rand.Intn(len(venues))]

		latency := rand.Intn(venue.MaxLatency-venue.MinLatency+1) + venue.MinLatency
		time.Sleep(time.Duration(latency) * time.Millisecond)

		quantity := remaining
		if rand.Float64() > venue.LiquidityFactor {
			quantity = types.TruncateAmount(remaining.Mul(decimal.NewFromFloat(venue.LiquidityFactor)))
			if !quantity.IsPositive() {
				logger.Warn().Str("venue_id", venue.ID).Msg("insufficient liquidity at venue")
				continue
			}
		}

		isMaker := rand.Float64() < venue.MakerShare
		trade, err := s.recorder.RecordFill(orderID, basePrice, quantity, isMaker)
		if err != nil {
			logger.Warn().Err(err).Str("venue_id", venue.ID).Msg("fill attempt rejected")
			continue
		}

		logger.Info().
			Str("venue_id", venue.ID).
			Str("trade_id", trade.TradeID).
			Str("quantity", trade.Quantity.String()).
			Bool("is_maker", trade.IsMaker).
			Msg("fill recorded at venue")

		recorded = append(recorded, trade)
		remaining = remaining.Sub(quantity)
	}

	if len(recorded) == 0 {
		return nil, types.NewValidationError("execution", "no venue could fill the order")
	}
	return recorded, nil
}

// fillPrice picks the execution price: the order price for limit orders,
// the feed price with up to 0.2% variance for market orders.
func (s *Service) fillPrice(order *types.Order) (decimal.Decimal, error) {
	if order.OrderType == types.OrderLimit || order.OrderType == types.OrderStopLimit {
		return order.Price, nil
	}

	best, ok := s.feed.LastPrice(order.Symbol)
	if !ok {
		return decimal.Zero, types.NewValidationError("price", "no market price available")
	}

	variance := decimal.NewFromFloat(1 + (rand.Float64()*0.004 - 0.002))
	price := types.TruncateAmount(best.Mul(variance))

	// A market buy can never fill above what was reserved for it.
	if order.Side == types.SideBuy {
		maxPrice := types.TruncateAmount(order.ReservedRemaining.Div(order.RemainingQuantity))
		price = decimal.Min(price, maxPrice)
	}
	return price, nil
}

// GinHandlers contains HTTP handlers for the execution simulator
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for the execution simulator
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ExecuteOrderHandler handles POST requests to run simulated execution
// Internal route; URL parameter: order_id; body carries the order owner
func (h *GinHandlers) ExecuteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		recorded, err := h.service.Execute(request.UserID, c.Param("order_id"))
		response.Handle(c, recorded, err)
	}
}
