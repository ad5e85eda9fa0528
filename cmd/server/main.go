package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/coinledger-api/internal/auth"
	"github.com/ksred/coinledger-api/internal/database"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/exchange"
	"github.com/ksred/coinledger-api/internal/ledger"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/orders"
	"github.com/ksred/coinledger-api/internal/portfolio"
	"github.com/ksred/coinledger-api/internal/trades"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/ksred/coinledger-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const jwtSecret = "coinledger-secret-key"

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the accounting API server with graceful
// shutdown support. It wires the database, the lock ring, the event
// emitter and all services behind the API routes.
func main() {
	db, err := database.NewDatabase(os.Getenv("DATABASE_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Shared infrastructure
	locks := keylock.New()
	emitter := events.NewEmitter(256)
	defer emitter.Close()
	feed := marketdata.NewFeed()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	ledgerService := ledger.NewService(db, locks, emitter)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	orderService := orders.NewService(db, ledgerService, feed, emitter, locks)
	orderHandlers := orders.NewGinHandlers(orderService)

	tradeService := trades.NewService(db, ledgerService, emitter, locks)
	tradeHandlers := trades.NewGinHandlers(tradeService)

	portfolioService := portfolio.NewService(db, feed)
	portfolioHandlers := portfolio.NewGinHandlers(portfolioService)

	exchangeService := exchange.NewService(orderService, tradeService, feed)
	exchangeHandlers := exchange.NewGinHandlers(exchangeService)

	marketdataHandlers := marketdata.NewGinHandlers(feed)

	// Drain domain events into the log. A delivery pipeline (webhooks,
	// websockets) would subscribe here instead.
	subscriberCtx, subscriberCancel := context.WithCancel(context.Background())
	defer subscriberCancel()
	go drainEvents(subscriberCtx, emitter.Subscribe())

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, orderHandlers, tradeHandlers, portfolioHandlers, ledgerHandlers, exchangeHandlers, marketdataHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// drainEvents logs every domain event until the context is cancelled.
func drainEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			zlog.Info().
				Str("event_type", event.Type).
				Str("user_id", event.UserID).
				Time("occurred_at", event.OccurredAt).
				Msg("domain event")
		}
	}
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and wallet routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	tradeHandlers *trades.GinHandlers,
	portfolioHandlers *portfolio.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	exchangeHandlers *exchange.GinHandlers,
	marketdataHandlers *marketdata.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			orderGroup.POST("", orderHandlers.CreateOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
			orderGroup.DELETE("", orderHandlers.CancelAllOrdersHandler())
			orderGroup.GET("/:order_id/trades", tradeHandlers.GetOrderTradesHandler())
		}

		// Wallet routes
		walletGroup := v1.Group("/wallets")
		walletGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			walletGroup.GET("/overview", portfolioHandlers.GetOverviewHandler())
			walletGroup.GET("/balance", portfolioHandlers.GetBalanceHandler())
			walletGroup.GET("/transactions", portfolioHandlers.GetTransactionHistoryHandler())
			walletGroup.GET("/pnl", portfolioHandlers.GetProfitLossHandler())
			walletGroup.POST("/withdrawals", ledgerHandlers.WithdrawHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/deposits", ledgerHandlers.DepositHandler())
			internal.POST("/fills/:order_id", tradeHandlers.RecordFillHandler())
			internal.POST("/execution/:order_id", exchangeHandlers.ExecuteOrderHandler())
			internal.PUT("/prices/:symbol", marketdataHandlers.UpdatePriceHandler())
			internal.GET("/prices/:symbol", marketdataHandlers.GetPriceHandler())
		}
	}
}
