package trades

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/coinledger-api/internal/auth"
	"github.com/ksred/coinledger-api/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for fill endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for fill endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RecordFillHandler handles POST requests carrying execution reports.
// Internal route: called by whatever receives or simulates executions.
// URL parameter: order_id
func (h *GinHandlers) RecordFillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		var request struct {
			Price    decimal.Decimal `json:"price" binding:"required"`
			Quantity decimal.Decimal `json:"quantity" binding:"required"`
			IsMaker  bool            `json:"is_maker"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.RecordFill(orderID, request.Price, request.Quantity, request.IsMaker)
		response.Handle(c, trade, err)
	}
}

// GetOrderTradesHandler handles GET requests listing an order's fills
// Requires a valid JWT token; URL parameter: order_id
func (h *GinHandlers) GetOrderTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		userID := auth.GetUserID(claims)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		trades, err := h.service.GetOrderTrades(userID, c.Param("order_id"))
		response.Handle(c, trades, err)
	}
}
