// Package portfolio is the read side of the accounting core: wallet
// overview, transaction history and P&L aggregation. It never mutates
// state and is safe to call concurrently with every write path.
package portfolio

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/coinledger-api/internal/auth"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/response"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReferenceCurrency is the valuation currency for the overview.
const ReferenceCurrency = "USDT"

// Service aggregates read-only views over wallets, transactions, trades
// and holdings.
type Service struct {
	db   *Database
	feed *marketdata.Feed
}

// NewService creates a portfolio service with the given database
// connection and price feed.
func NewService(gormDB *gorm.DB, feed *marketdata.Feed) *Service {
	return &Service{
		db:   NewDatabase(gormDB),
		feed: feed,
	}
}

// GetOverview values all of the user's wallets in the reference currency
// at current feed prices. Currencies without a feed price are listed with
// zero value rather than omitted.
func (s *Service) GetOverview(userID string) (*types.OverviewResponse, error) {
	wallets, err := s.db.GetUserWallets(userID)
	if err != nil {
		return nil, err
	}

	overview := &types.OverviewResponse{
		UserID:            userID,
		ReferenceCurrency: ReferenceCurrency,
		TotalValue:        decimal.Zero,
		Wallets:           make([]types.WalletValuation, 0, len(wallets)),
		AsOf:              time.Now(),
	}

	for _, wallet := range wallets {
		valuation := types.WalletValuation{
			BalanceResponse: types.BalanceResponse{
				WalletID:   wallet.WalletID,
				Currency:   wallet.Currency,
				WalletType: wallet.WalletType,
				Available:  wallet.AvailableBalance,
				Locked:     wallet.LockedBalance,
				Total:      wallet.TotalBalance(),
			},
		}

		switch {
		case wallet.Currency == ReferenceCurrency:
			valuation.Price = decimal.NewFromInt(1)
			valuation.Value = valuation.Total
		default:
			if price, ok := s.feed.LastPrice(wallet.Currency + ReferenceCurrency); ok {
				valuation.Price = price
				valuation.Value = types.TruncateAmount(valuation.Total.Mul(price))
			}
		}

		overview.TotalValue = overview.TotalValue.Add(valuation.Value)
		overview.Wallets = append(overview.Wallets, valuation)
	}

	return overview, nil
}

// GetBalance returns the available/locked split for one wallet.
func (s *Service) GetBalance(userID, currency, walletType string) (*types.BalanceResponse, error) {
	wallets, err := s.db.GetUserWallets(userID)
	if err != nil {
		return nil, err
	}
	for _, wallet := range wallets {
		if wallet.Currency == currency && wallet.WalletType == walletType {
			return &types.BalanceResponse{
				WalletID:   wallet.WalletID,
				Currency:   wallet.Currency,
				WalletType: wallet.WalletType,
				Available:  wallet.AvailableBalance,
				Locked:     wallet.LockedBalance,
				Total:      wallet.TotalBalance(),
			}, nil
		}
	}
	return nil, types.ErrNotFound
}

// GetTransactionHistory returns a page of the user's audit trail.
func (s *Service) GetTransactionHistory(userID string, filters HistoryFilters) (*types.TransactionHistoryResponse, error) {
	txns, total, err := s.db.GetTransactionHistory(userID, filters)
	if err != nil {
		return nil, err
	}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	pageSize := filters.PageSize
	if pageSize < 1 {
		pageSize = 50
	}

	return &types.TransactionHistoryResponse{
		Transactions: txns,
		Page:         page,
		PageSize:     pageSize,
		Total:        total,
	}, nil
}

// GetProfitLoss combines realized P&L over the period with unrealized P&L
// from open holdings at current mark prices.
func (s *Service) GetProfitLoss(userID, period string) (*types.ProfitLossResponse, error) {
	since, err := periodStart(period)
	if err != nil {
		return nil, err
	}

	realized, err := s.db.SumRealizedPnL(userID, since)
	if err != nil {
		return nil, err
	}

	holdings, err := s.db.GetHoldings(userID)
	if err != nil {
		return nil, err
	}

	unrealized := decimal.Zero
	details := make([]types.HoldingPnL, 0, len(holdings))
	for _, holding := range holdings {
		detail := types.HoldingPnL{
			Asset:       holding.Asset,
			Quantity:    holding.Quantity,
			AvgBuyPrice: holding.AvgBuyPrice,
		}
		if mark, ok := s.feed.LastPrice(holding.Asset + ReferenceCurrency); ok {
			detail.MarkPrice = mark
			detail.UnrealizedPnL = types.TruncateAmount(mark.Sub(holding.AvgBuyPrice).Mul(holding.Quantity))
			unrealized = unrealized.Add(detail.UnrealizedPnL)
		}
		details = append(details, detail)
	}

	return &types.ProfitLossResponse{
		UserID:        userID,
		Period:        period,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		TotalPnL:      realized.Add(unrealized),
		Holdings:      details,
	}, nil
}

func periodStart(period string) (time.Time, error) {
	now := time.Now()
	switch period {
	case "24h":
		return now.Add(-24 * time.Hour), nil
	case "7d":
		return now.AddDate(0, 0, -7), nil
	case "30d":
		return now.AddDate(0, 0, -30), nil
	case "", "all":
		return time.Time{}, nil
	default:
		return time.Time{}, types.NewValidationError("period", "must be one of 24h, 7d, 30d, all")
	}
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for portfolio endpoints
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

// GetOverviewHandler handles GET requests for the wallet overview
func (h *GinHandlers) GetOverviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		overview, err := h.service.GetOverview(userID)
		response.Handle(c, overview, err)
	}
}

// GetBalanceHandler handles GET requests for a single wallet balance
// Query parameters: currency (required), wallet_type (defaults to spot)
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		currency := c.Query("currency")
		if currency == "" {
			response.BadRequest(c, "currency is required")
			return
		}
		walletType := c.DefaultQuery("wallet_type", types.WalletSpot)

		balance, err := h.service.GetBalance(userID, currency, walletType)
		response.Handle(c, balance, err)
	}
}

// GetTransactionHistoryHandler handles GET requests for the audit trail
// Query parameters: currency, type, page, page_size
func (h *GinHandlers) GetTransactionHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		filters := HistoryFilters{
			Currency: c.Query("currency"),
			Type:     c.Query("type"),
		}
		filters.Page = intQuery(c, "page", 1)
		filters.PageSize = intQuery(c, "page_size", 50)

		history, err := h.service.GetTransactionHistory(userID, filters)
		response.Handle(c, history, err)
	}
}

// GetProfitLossHandler handles GET requests for P&L
// Query parameter: period (24h, 7d, 30d, all)
func (h *GinHandlers) GetProfitLossHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		pnl, err := h.service.GetProfitLoss(userID, c.DefaultQuery("period", "all"))
		response.Handle(c, pnl, err)
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
