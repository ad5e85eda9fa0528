package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/coinledger-api/internal/auth"
	"github.com/ksred/coinledger-api/internal/database"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/exchange"
	"github.com/ksred/coinledger-api/internal/ledger"
	"github.com/ksred/coinledger-api/internal/marketdata"
	"github.com/ksred/coinledger-api/internal/orders"
	"github.com/ksred/coinledger-api/internal/portfolio"
	"github.com/ksred/coinledger-api/internal/trades"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/ksred/coinledger-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "coinledger-secret-key"
)

var (
	symbols = []string{"BTCUSDT", "ETHUSDT"}
	sides   = []string{types.SideBuy, types.SideSell}

	// Reference prices pushed to the feed before trading starts
	referencePrices = map[string]float64{
		"BTCUSDT": 50000,
		"ETHUSDT": 3000,
	}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the accounting API
type simulationClient struct {
	baseURL   string
	authToken string
	userID    string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		userID:  auth.TestAPIKey,
		client:  client,
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"deposit":  {name: "Deposit"},
			"price":    {name: "Price Update"},
			"create":   {name: "Create Order"},
			"execute":  {name: "Execute Order"},
			"get":      {name: "Get Order"},
			"cancel":   {name: "Cancel Order"},
			"overview": {name: "Wallet Overview"},
			"pnl":      {name: "Profit/Loss"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Token, nil
}

// do performs an authenticated JSON request and returns the decoded data
// portion of the response envelope.
func (sc *simulationClient) do(method, path string, payload interface{}, out interface{}, statsKey string) error {
	start := time.Now()
	defer func() {
		sc.stats[statsKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statsKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statsKey].failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w, body: %s", err, string(respBody))
	}
	return nil
}

// deposit credits the simulation user's wallet via the internal API
func (sc *simulationClient) deposit(currency string, amount float64) error {
	payload := map[string]interface{}{
		"user_id":     sc.userID,
		"currency":    currency,
		"wallet_type": types.WalletSpot,
		"amount":      amount,
	}
	return sc.do("POST", "/api/v1/internal/deposits", payload, nil, "deposit")
}

// updatePrice pushes a feed price via the internal API
func (sc *simulationClient) updatePrice(symbol string, price float64) error {
	payload := map[string]interface{}{"price": price}
	return sc.do("PUT", "/api/v1/internal/prices/"+symbol, payload, nil, "price")
}

// createOrder submits a new order to the API
// Returns the order ID on success
func (sc *simulationClient) createOrder(request map[string]interface{}) (string, error) {
	var order types.Order
	if err := sc.do("POST", "/api/v1/orders", request, &order, "create"); err != nil {
		return "", err
	}
	if order.OrderID == "" {
		return "", fmt.Errorf("no order ID in response")
	}
	return order.OrderID, nil
}

// executeOrder triggers simulated execution of an existing order
// Returns the fills recorded
func (sc *simulationClient) executeOrder(orderID string) ([]types.Trade, error) {
	if orderID == "" {
		return nil, fmt.Errorf("orderID cannot be empty")
	}

	payload := map[string]interface{}{"user_id": sc.userID}
	var fills []types.Trade
	err := sc.do("POST", "/api/v1/internal/execution/"+orderID, payload, &fills, "execute")
	if err != nil {
		return nil, err
	}
	return fills, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("GET", "/api/v1/orders/"+orderID, nil, &order, "get"); err != nil {
		return nil, err
	}
	return &order, nil
}

// cancelOrder cancels an order and releases its remaining reservation
func (sc *simulationClient) cancelOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("DELETE", "/api/v1/orders/"+orderID, nil, &order, "cancel"); err != nil {
		return nil, err
	}
	return &order, nil
}

// getOverview fetches the valued wallet overview
func (sc *simulationClient) getOverview() (*types.OverviewResponse, error) {
	var overview types.OverviewResponse
	if err := sc.do("GET", "/api/v1/wallets/overview", nil, &overview, "overview"); err != nil {
		return nil, err
	}
	return &overview, nil
}

// getProfitLoss fetches realized and unrealized P&L
func (sc *simulationClient) getProfitLoss(period string) (*types.ProfitLossResponse, error) {
	var pnl types.ProfitLossResponse
	if err := sc.do("GET", "/api/v1/wallets/pnl?period="+period, nil, &pnl, "pnl"); err != nil {
		return nil, err
	}
	return &pnl, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

// main runs the trading simulation
// It starts a local API server and simulates multiple concurrent trading clients
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Seed feed prices and fund the simulation user
	for symbol, price := range referencePrices {
		if err := simClient.updatePrice(symbol, price); err != nil {
			log.Fatal().Err(err).Str("symbol", symbol).Msg("Failed to seed price")
		}
	}
	for currency, amount := range map[string]float64{"USDT": 5_000_000, "BTC": 50, "ETH": 500} {
		if err := simClient.deposit(currency, amount); err != nil {
			log.Fatal().Err(err).Str("currency", currency).Msg("Failed to deposit")
		}
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	// Channel to collect order IDs
	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be created
	wg.Wait()
	close(ordersChan)

	// Collect all order IDs
	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders created")

	// Collect statistics during processing
	stats := struct {
		TotalOrders     int
		ExecutedOrders  int
		FillCount       int
		CancelledOrders int
		FailedOrders    int
		FailedCancels   int
		TotalValue      float64
		StartTime       time.Time
		Symbols         map[string]int
		Sides           map[string]int
	}{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Sides:     make(map[string]int),
	}
	stats.TotalOrders = len(orderIDs)

	// Execute most orders, cancel roughly one in five
	for _, orderID := range orderIDs {
		if orderID == "" {
			log.Error().Msg("Empty order ID encountered, skipping")
			stats.FailedOrders++
			continue
		}

		if rand.Float64() < 0.2 {
			cancelled, err := simClient.cancelOrder(orderID)
			if err != nil {
				log.Error().Err(err).Str("order_id", orderID).Msg("Failed to cancel order")
				stats.FailedCancels++
				continue
			}
			stats.CancelledOrders++
			log.Info().
				Str("order_id", orderID).
				Str("status", cancelled.Status).
				Msg("Order cancelled")
			continue
		}

		fills, err := simClient.executeOrder(orderID)
		if err != nil {
			log.Error().Err(err).
				Str("order_id", orderID).
				Msg("Failed to execute order")
			stats.FailedOrders++
			continue
		}
		stats.ExecutedOrders++
		stats.FillCount += len(fills)
		for _, fill := range fills {
			value, _ := fill.Price.Mul(fill.Quantity).Float64()
			stats.TotalValue += value
		}

		// Get order details for statistics
		order, err := simClient.getOrder(orderID)
		if err == nil && order != nil {
			stats.Symbols[order.Symbol]++
			stats.Sides[order.Side]++

			log.Info().
				Str("order_id", orderID).
				Str("status", order.Status).
				Int("fills", len(fills)).
				Str("avg_price", order.AvgPrice.String()).
				Str("filled", order.FilledQuantity.String()).
				Msg("Order executed")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:     %d
Executed:         %d
Fills:            %d
Cancelled:        %d
Failed Orders:    %d
Failed Cancels:   %d
Total Value:      $%.2f
Duration:         %v

Symbol Distribution
-------------------
`, stats.TotalOrders, stats.ExecutedOrders, stats.FillCount, stats.CancelledOrders,
		stats.FailedOrders, stats.FailedCancels,
		stats.TotalValue, duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}

	for symbol, count := range stats.Symbols {
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-8s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	// Final account state
	if overview, err := simClient.getOverview(); err == nil {
		fmt.Println("\nFinal Wallet Overview")
		fmt.Println("---------------------")
		for _, wallet := range overview.Wallets {
			fmt.Printf("%-6s available=%s locked=%s value=%s %s\n",
				wallet.Currency,
				wallet.Available.String(),
				wallet.Locked.String(),
				wallet.Value.String(),
				overview.ReferenceCurrency)
		}
		fmt.Printf("Total Value: %s %s\n", overview.TotalValue.String(), overview.ReferenceCurrency)
	} else {
		log.Error().Err(err).Msg("Failed to fetch wallet overview")
	}

	if pnl, err := simClient.getProfitLoss("all"); err == nil {
		log.Info().
			Str("realized_pnl", pnl.RealizedPnL.String()).
			Str("unrealized_pnl", pnl.UnrealizedPnL.String()).
			Str("total_pnl", pnl.TotalPnL.String()).
			Msg("Simulation P&L")
	} else {
		log.Error().Err(err).Msg("Failed to fetch P&L")
	}

	// Success rate calculation
	successRate := float64(stats.ExecutedOrders+stats.CancelledOrders) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("executed_orders", stats.ExecutedOrders).
		Float64("total_value", stats.TotalValue).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// createOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending created order IDs to ordersChan
func createOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		side := sides[rand.Intn(len(sides))]

		// Limit price within 1% of the reference price
		price := referencePrices[symbol] * (1 + (rand.Float64()*0.02 - 0.01))
		quantity := 0.001 + rand.Float64()*0.05
		clientOrderID := uuid.New().String()

		request := map[string]interface{}{
			"symbol":          symbol,
			"side":            side,
			"order_type":      types.OrderLimit,
			"price":           fmt.Sprintf("%.2f", price),
			"quantity":        fmt.Sprintf("%.6f", quantity),
			"client_order_id": clientOrderID,
		}

		orderID, err := simClient.createOrder(request)
		if err != nil {
			log.Error().Err(err).
				Str("worker_id", fmt.Sprintf("%d", workerID)).
				Str("symbol", symbol).
				Msg("Failed to create order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Str("worker_id", fmt.Sprintf("%d", workerID)).
			Str("order_id", orderID).
			Str("symbol", symbol).
			Str("side", side).
			Float64("quantity", quantity).
			Float64("price", price).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// startServer initializes and starts the accounting API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewInMemory()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Shared infrastructure
	locks := keylock.New()
	emitter := events.NewEmitter(256)
	feed := marketdata.NewFeed()

	// Initialize services
	authService := auth.NewService(jwtSecret)
	ledgerService := ledger.NewService(db, locks, emitter)
	orderService := orders.NewService(db, ledgerService, feed, emitter, locks)
	tradeService := trades.NewService(db, ledgerService, emitter, locks)
	portfolioService := portfolio.NewService(db, feed)
	exchangeService := exchange.NewService(orderService, tradeService, feed)

	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	orderHandlers := orders.NewGinHandlers(orderService)
	tradeHandlers := trades.NewGinHandlers(tradeService)
	portfolioHandlers := portfolio.NewGinHandlers(portfolioService)
	exchangeHandlers := exchange.NewGinHandlers(exchangeService)
	marketdataHandlers := marketdata.NewGinHandlers(feed)

	// Setup routes
	setupRoutes(router, authHandlers, orderHandlers, tradeHandlers, portfolioHandlers, ledgerHandlers, exchangeHandlers, marketdataHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
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

		// Internal routes
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
