package orders

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/coinledger-api/internal/auth"
	"github.com/ksred/coinledger-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func userIDFromContext(c *gin.Context) (string, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Missing authentication claims")
		return "", false
	}
	userID := auth.GetUserID(claims)
	if userID == "" {
		response.Unauthorized(c, "Invalid user ID in token")
		return "", false
	}
	return userID, true
}

// CreateOrderHandler handles POST requests to place new orders
// Requires a valid JWT token; client_order_id in the body makes the
// request idempotent across retries
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.Create(userID, req)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests to retrieve a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.Get(userID, orderID)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET requests for the order listing
// Query parameters: status, symbol, page, page_size
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		filters := ListFilters{
			Status: c.Query("status"),
			Symbol: c.Query("symbol"),
		}
		filters.Page = intQuery(c, "page", 1)
		filters.PageSize = intQuery(c, "page_size", 20)

		orders, total, err := h.service.List(userID, filters)
		response.Handle(c, gin.H{"orders": orders, "total": total}, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel one order
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		order, err := h.service.Cancel(userID, orderID)
		response.Handle(c, order, err)
	}
}

// CancelAllOrdersHandler handles DELETE requests to cancel all open orders
// Query parameter: symbol (optional filter)
func (h *GinHandlers) CancelAllOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		result, err := h.service.CancelAll(userID, c.Query("symbol"))
		response.Handle(c, result, err)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
