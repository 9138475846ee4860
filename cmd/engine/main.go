package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/walltrack/walltrack-engine/internal/api"
	"github.com/walltrack/walltrack-engine/internal/breaker"
	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/internal/db"
	"github.com/walltrack/walltrack-engine/internal/events"
	"github.com/walltrack/walltrack-engine/internal/gateway"
	"github.com/walltrack/walltrack-engine/internal/position"
	"github.com/walltrack/walltrack-engine/internal/pricing"
	"github.com/walltrack/walltrack-engine/internal/queue"
	sig "github.com/walltrack/walltrack-engine/internal/signal"
	"github.com/walltrack/walltrack-engine/internal/tokens"
	"github.com/walltrack/walltrack-engine/internal/wallets"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

func main() {
	log.Println("Starting WallTrack Copy-Trading Engine (Microservice: walltrack-engine)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")

	dbConn, err := db.Connect(dbUrl)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persistence. Error: %v", err)
		dbConn = nil
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	tradeMode := models.TradeMode(getEnvOrDefault("TRADE_MODE", string(models.ModeSimulation)))
	if tradeMode != models.ModeSimulation && tradeMode != models.ModeLive {
		log.Fatalf("FATAL: TRADE_MODE must be %q or %q, got %q", models.ModeSimulation, models.ModeLive, tradeMode)
	}
	log.Printf("Trade mode: %s", tradeMode)

	webhookSecret := os.Getenv("HELIUS_WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Println("Warning: HELIUS_WEBHOOK_SECRET not set, webhook signature checks disabled")
	}
	birdeyeKey := os.Getenv("BIRDEYE_API_KEY")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Config store: defaults, then whatever the database has.
	var persister config.Persister
	if dbConn != nil {
		persister = dbConn
	}
	cfgStore := config.NewStore(persister)
	if err := cfgStore.Load(ctx); err != nil {
		log.Printf("Warning: config load failed, running on defaults: %v", err)
	}
	cfg := cfgStore.Snapshot()

	// WebSocket hub and event log
	wsHub := api.NewHub()
	go wsHub.Run()

	var eventStore events.Store
	if dbConn != nil {
		eventStore = dbConn
	}
	eventLog := events.NewLog(eventStore, wsHub)

	// Wallet cache
	var walletSource wallets.Source
	if dbConn != nil {
		walletSource = dbConn
	}
	walletCache := wallets.NewCache(walletSource, wallets.DefaultMaxSize)
	if err := walletCache.Warmup(ctx); err != nil {
		log.Printf("Warning: wallet cache warmup failed: %v", err)
	}
	go walletCache.Run(ctx, time.Duration(cfg.Polling.WalletRefreshSeconds)*time.Second)

	// Token cache over the metadata providers
	var tokenSink tokens.Sink
	if dbConn != nil {
		tokenSink = dbConn
	}
	tokenCache := tokens.NewCache(
		tokens.NewDexScreenerClient(tokens.DexScreenerConfig{}),
		tokens.NewBirdeyeClient(tokens.BirdeyeConfig{APIKey: birdeyeKey}),
		tokenSink,
		tokens.CacheOptions{
			TTL:                time.Duration(cfg.Polling.TokenTTLSeconds) * time.Second,
			MaxWait:            time.Duration(cfg.Polling.TokenFetchMaxWaitMs) * time.Millisecond,
			NewTokenAgeMinutes: cfg.TokenGates.NewTokenAgeMinutes,
		},
	)

	// Circuit breaker
	brk := breaker.New(cfg.Breaker, eventLog)

	// Swap gateway: live execution needs a gateway URL, simulation does not.
	var gw gateway.Gateway
	if tradeMode == models.ModeLive {
		gw, err = gateway.NewClient(gateway.Config{
			BaseURL: requireEnv("GATEWAY_URL"),
			APIKey:  os.Getenv("GATEWAY_API_KEY"),
		})
		if err != nil {
			log.Fatalf("FATAL: swap gateway setup failed: %v", err)
		}
	}
	simGw := &gateway.Simulated{PriceFunc: func(mint string) float64 {
		if rec, ok := tokenCache.Peek(mint); ok {
			return rec.PriceUSD
		}
		return 0
	}}

	// Swap queue, single worker
	swapQueue := queue.New(queue.Options{
		Gateway:     gw,
		Simulated:   simGw,
		Gate:        brk,
		EventLog:    eventLog,
		MinSpacing:  time.Duration(cfg.Queue.MinSpacingSeconds * float64(time.Second)),
		DrainBudget: time.Duration(cfg.Queue.DrainBudgetSeconds * float64(time.Second)),
	})

	// Position manager, with recovery and pending-order replay
	manager := position.NewManager(cfgStore, swapQueue, eventLog, brk, tradeMode)
	if dbConn != nil {
		if err := manager.Recover(ctx, dbConn); err != nil {
			log.Printf("Warning: %v", err)
		}
		if orders, priorities, err := dbConn.LoadPendingOrders(ctx); err != nil {
			log.Printf("Warning: pending order replay failed: %v", err)
		} else {
			swapQueue.Replay(orders, priorities, nil)
		}
	}
	go swapQueue.Run(ctx)
	go manager.RunHousekeeping(ctx, time.Minute)

	// Price monitor feeding the exit rules
	monitor := pricing.NewMonitor(cfgStore, manager,
		pricing.NewDexScreenerPrices(), pricing.NewBirdeyePrices(birdeyeKey), brk)
	go monitor.Run(ctx)

	// Config activations retune the running components.
	go func() {
		updates := cfgStore.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-updates:
				swapQueue.SetSpacing(time.Duration(next.Queue.MinSpacingSeconds * float64(time.Second)))
				brk.Reconfigure(next.Breaker)
				log.Printf("Applied config version %d to queue and breaker", next.Version)
			}
		}
	}()

	// The decisioning pipeline
	filter := sig.NewFilter(walletCache)
	filter.SetDebug(os.Getenv("DEBUG_FILTER") == "true")
	processor := sig.NewProcessor(filter, tokenCache, cfgStore, eventLog, manager)
	go processor.Run(ctx)

	// HTTP surface
	r := api.SetupRouter(api.Components{
		Processor:     processor,
		Manager:       manager,
		ConfigStore:   cfgStore,
		Breaker:       brk,
		SwapQueue:     swapQueue,
		EventLog:      eventLog,
		WalletCache:   walletCache,
		TokenCache:    tokenCache,
		Hub:           wsHub,
		Store:         dbConn,
		WebhookSecret: webhookSecret,
	})

	port := getEnvOrDefault("PORT", "5340")
	srv := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		log.Printf("Engine running on :%s (API Node: walltrack-engine)\n", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting webhooks, then let the swap queue
	// drain its capital-protecting exits before the process dies.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received, draining...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	cancel()
	// Give the queue its drain budget plus slack before exiting.
	time.Sleep(time.Duration(cfg.Queue.DrainBudgetSeconds*float64(time.Second)) + 2*time.Second)
	log.Println("Engine stopped")
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
