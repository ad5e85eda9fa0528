package ledger

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/coinledger-api/internal/auth"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for wallet funding endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for wallet funding endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// DepositHandler handles POST requests crediting external deposits.
// Internal route: called by the (excluded) chain/fiat gateway.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			UserID     string          `json:"user_id" binding:"required"`
			Currency   string          `json:"currency" binding:"required"`
			WalletType string          `json:"wallet_type"`
			Amount     decimal.Decimal `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if request.WalletType == "" {
			request.WalletType = types.WalletSpot
		}

		txn, err := h.service.Deposit(request.UserID, request.Currency, request.WalletType, request.Amount)
		response.Handle(c, txn, err)
	}
}

// WithdrawHandler handles POST requests debiting user funds.
// Requires a valid JWT token; duplicate submissions inside the idempotency
// window return the original withdrawal.
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
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

		var request struct {
			Currency    string          `json:"currency" binding:"required"`
			WalletType  string          `json:"wallet_type"`
			Amount      decimal.Decimal `json:"amount" binding:"required"`
			Destination string          `json:"destination" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if request.WalletType == "" {
			request.WalletType = types.WalletSpot
		}

		txn, err := h.service.Withdraw(userID, request.Currency, request.WalletType, request.Destination, request.Amount)
		response.Handle(c, txn, err)
	}
}
