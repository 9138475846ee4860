package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/walltrack/walltrack-engine/internal/breaker"
	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/internal/db"
	"github.com/walltrack/walltrack-engine/internal/events"
	"github.com/walltrack/walltrack-engine/internal/ingest"
	"github.com/walltrack/walltrack-engine/internal/position"
	"github.com/walltrack/walltrack-engine/internal/queue"
	"github.com/walltrack/walltrack-engine/internal/signal"
	"github.com/walltrack/walltrack-engine/internal/tokens"
	"github.com/walltrack/walltrack-engine/internal/wallets"
)

// maxWebhookBody bounds the provider payload read; batches larger than this
// are rejected outright.
const maxWebhookBody = 4 << 20

type APIHandler struct {
	processor   *signal.Processor
	manager     *position.Manager
	cfgStore    *config.Store
	brk         *breaker.Breaker
	swapQueue   *queue.SwapQueue
	eventLog    *events.Log
	walletCache *wallets.Cache
	tokenCache  *tokens.Cache
	wsHub       *Hub
	store       *db.PostgresStore

	webhookSecret string
	startedAt     time.Time

	mu          sync.Mutex
	lastWebhook time.Time
}

type Components struct {
	Processor   *signal.Processor
	Manager     *position.Manager
	ConfigStore *config.Store
	Breaker     *breaker.Breaker
	SwapQueue   *queue.SwapQueue
	EventLog    *events.Log
	WalletCache *wallets.Cache
	TokenCache  *tokens.Cache
	Hub         *Hub
	Store       *db.PostgresStore

	// WebhookSecret is the shared HMAC secret for provider deliveries. Empty
	// disables signature checks (dev mode only).
	WebhookSecret string
}

func SetupRouter(c Components) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://walltrack.app
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		processor:     c.Processor,
		manager:       c.Manager,
		cfgStore:      c.ConfigStore,
		brk:           c.Breaker,
		swapQueue:     c.SwapQueue,
		eventLog:      c.EventLog,
		walletCache:   c.WalletCache,
		tokenCache:    c.TokenCache,
		wsHub:         c.Hub,
		store:         c.Store,
		webhookSecret: c.WebhookSecret,
		startedAt:     time.Now(),
	}

	// Provider deliveries authenticate by HMAC, not bearer token.
	r.POST("/webhooks/helius", handler.handleWebhook)

	api := r.Group("/api/v1")
	api.GET("/health", handler.handleHealth)
	api.GET("/stream", c.Hub.Subscribe)

	admin := api.Group("")
	admin.Use(AuthMiddleware(), NewRateLimiter(60, 20).Middleware())
	{
		admin.GET("/positions", handler.handleListPositions)
		admin.GET("/positions/:id", handler.handleGetPosition)
		admin.POST("/positions/:id/exit", handler.handleManualExit)

		admin.GET("/events", handler.handleEvents)
		admin.GET("/queue", handler.handleQueueStats)

		admin.GET("/config", handler.handleGetConfig)
		admin.GET("/config/draft", handler.handleGetDraft)
		admin.PUT("/config/draft", handler.handleSaveDraft)
		admin.POST("/config/activate", handler.handleActivateDraft)
		admin.DELETE("/config/draft", handler.handleDiscardDraft)

		admin.GET("/breaker", handler.handleBreakerStatus)
		admin.POST("/breaker/trip", handler.handleBreakerTrip)
		admin.POST("/breaker/reset", handler.handleBreakerReset)
	}

	// Serve Static Dashboard
	r.Static("/dashboard", "./public")

	return r
}

// handleWebhook is the ingest entry point. Signature check first, on the
// raw body; parse second; enqueue third. Redelivery of an already-seen
// transaction is a 200, deduplication happens downstream on tx signature.
func (h *APIHandler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read body"})
		return
	}

	if !VerifyWebhookSignature(h.webhookSecret, body, c.GetHeader(signatureHeader)) {
		log.Printf("[API] Webhook signature rejected from %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	h.mu.Lock()
	h.lastWebhook = time.Now()
	h.mu.Unlock()

	swaps, err := ingest.ParsePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		return
	}

	accepted := 0
	for _, ev := range swaps {
		if h.processor.Submit(ev) {
			accepted++
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": len(swaps), "accepted": accepted})
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	brkActive, brkReason, brkMetrics := h.brk.Status()
	cfg := h.cfgStore.Snapshot()

	dbStatus := "not_configured"
	if h.store != nil {
		dbStatus = "connected"
		if err := h.store.GetPool().Ping(c.Request.Context()); err != nil {
			dbStatus = "unreachable"
		}
	}

	h.mu.Lock()
	lastWebhook := h.lastWebhook
	h.mu.Unlock()
	var lastWebhookAt interface{}
	if !lastWebhook.IsZero() {
		lastWebhookAt = lastWebhook
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(h.startedAt).Seconds()),
		"configVersion": cfg.Version,
		"tradeMode":     os.Getenv("TRADE_MODE"),
		"database":      dbStatus,
		"lastWebhookAt": lastWebhookAt,
		"positions": gin.H{
			"open": len(h.manager.List(true)),
		},
		"wallets": gin.H{
			"initialized": h.walletCache.Initialized(),
			"monitored":   h.walletCache.MonitoredCount(),
			"blacklisted": h.walletCache.BlacklistedCount(),
		},
		"tokens": gin.H{"cached": h.tokenCache.Size()},
		"ingest": gin.H{
			"queueDepth": h.processor.QueueDepth(),
			"dropped":    h.processor.Dropped(),
		},
		"queue": h.swapQueue.Stats(),
		"breaker": gin.H{
			"active":  brkActive,
			"reason":  brkReason,
			"metrics": brkMetrics,
		},
	})
}

func (h *APIHandler) handleListPositions(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	c.JSON(http.StatusOK, gin.H{"positions": h.manager.List(openOnly)})
}

func (h *APIHandler) handleGetPosition(c *gin.Context) {
	p, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Position not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *APIHandler) handleManualExit(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}

	if err := h.manager.ManualExit(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "exit_queued"})
}

func (h *APIHandler) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"events": h.eventLog.Recent(limit)})
}

func (h *APIHandler) handleQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.swapQueue.Stats())
}

// ─── Config endpoints ───────────────────────────────────────────────

func (h *APIHandler) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfgStore.Snapshot())
}

func (h *APIHandler) handleGetDraft(c *gin.Context) {
	draft := h.cfgStore.Draft()
	if draft == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No draft"})
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *APIHandler) handleSaveDraft(c *gin.Context) {
	var draft config.Config
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid config body", "details": err.Error()})
		return
	}
	if err := h.cfgStore.SaveDraft(c.Request.Context(), &draft); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "draft_saved", "version": draft.Version})
}

func (h *APIHandler) handleActivateDraft(c *gin.Context) {
	activated, err := h.cfgStore.ActivateDraft(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, config.ErrNoDraft):
			c.JSON(http.StatusNotFound, gin.H{"error": "No draft to activate"})
		case errors.Is(err, config.ErrInvalidConfig):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated", "version": activated.Version})
}

func (h *APIHandler) handleDiscardDraft(c *gin.Context) {
	if err := h.cfgStore.DiscardDraft(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "draft_discarded"})
}

// ─── Breaker endpoints ──────────────────────────────────────────────

func (h *APIHandler) handleBreakerStatus(c *gin.Context) {
	active, reason, metrics := h.brk.Status()
	c.JSON(http.StatusOK, gin.H{"active": active, "reason": reason, "metrics": metrics})
}

func (h *APIHandler) handleBreakerTrip(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}
	h.brk.ForceTrip(req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "tripped"})
}

func (h *APIHandler) handleBreakerReset(c *gin.Context) {
	h.brk.ForceReset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
