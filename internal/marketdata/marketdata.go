// Package marketdata is the read-only price oracle consumed by the
// accounting core. Prices arrive from an external feed over an internal
// route; the core never produces them and enforces no staleness guarantee.
package marketdata

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type quote struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// Feed holds the last observed price per symbol.
type Feed struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{quotes: make(map[string]quote)}
}

// Update records the latest price for a symbol.
func (f *Feed) Update(symbol string, price decimal.Decimal) error {
	if symbol == "" {
		return types.NewValidationError("symbol", "must not be empty")
	}
	if !price.IsPositive() {
		return types.NewValidationError("price", "must be positive")
	}

	f.mu.Lock()
	f.quotes[symbol] = quote{price: price, updatedAt: time.Now()}
	f.mu.Unlock()

	log.Debug().
		Str("symbol", symbol).
		Str("price", price.String()).
		Msg("price updated")
	return nil
}

// LastPrice returns the most recent price for a symbol, if any.
func (f *Feed) LastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	return q.price, ok
}

// GinHandlers contains HTTP handlers for the internal price feed.
type GinHandlers struct {
	feed *Feed
}

// NewGinHandlers creates handlers bound to the given feed.
func NewGinHandlers(feed *Feed) *GinHandlers {
	return &GinHandlers{feed: feed}
}

// UpdatePriceHandler handles PUT requests from the external feed.
func (h *GinHandlers) UpdatePriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")

		var request struct {
			Price decimal.Decimal `json:"price" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.feed.Update(symbol, request.Price)
		response.Handle(c, gin.H{"symbol": symbol, "price": request.Price}, err)
	}
}

// GetPriceHandler returns the last observed price for a symbol.
func (h *GinHandlers) GetPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")

		price, ok := h.feed.LastPrice(symbol)
		if !ok {
			response.NotFound(c, "no price for symbol")
			return
		}
		response.Success(c, gin.H{"symbol": symbol, "price": price})
	}
}
