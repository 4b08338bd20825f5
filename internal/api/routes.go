package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/arb-engine/internal/db"
	"github.com/rawblock/arb-engine/internal/execution"
	"github.com/rawblock/arb-engine/internal/metrics"
	"github.com/rawblock/arb-engine/internal/risk"
)

// HealthReport is the aggregated service-discovery payload. Status is one of
// starting, healthy, degraded, unhealthy.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Deps bundles the subsystems the API surfaces. Nil entries disable their
// endpoints with 503 rather than panicking.
type Deps struct {
	Ledger   *db.TradeLedger
	Hub      *Hub
	Metrics  *metrics.Registry
	Latency  *metrics.LatencyRing
	Breakers *execution.CircuitBreakerManager
	Drawdown *risk.DrawdownCircuitBreaker
	Engine   *execution.ExecutionEngine
	Chains   []string
	Health   func() HealthReport
}

type apiHandler struct {
	deps      Deps
	limiter   *RateLimiter
	startedAt time.Time
}

func SetupRouter(deps Deps) *gin.Engine {
	r := gin.Default()

	// CORS is configurable via ALLOWED_ORIGINS. Empty or "*" allows all,
	// otherwise a comma-separated origin whitelist.
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
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	limiter := NewRateLimiter(120, 30)
	handler := &apiHandler{deps: deps, limiter: limiter, startedAt: time.Now()}

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stats", handler.handleStats)
		api.GET("/outcomes", handler.handleOutcomes)
		api.GET("/performance", handler.handlePerformance)
		api.GET("/breakers", handler.handleBreakers)

		if deps.Hub != nil {
			api.GET("/stream", deps.Hub.Subscribe)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/breakers/:chain/open", handler.handleForceOpen)
			protected.POST("/breakers/:chain/close", handler.handleForceClose)
		}
	}

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return r
}

func (h *apiHandler) handleHealth(c *gin.Context) {
	report := HealthReport{Status: "healthy", Components: map[string]string{}}
	if h.deps.Health != nil {
		report = h.deps.Health()
	}
	code := http.StatusOK
	if report.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        report.Status,
		"components":    report.Components,
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *apiHandler) handleStats(c *gin.Context) {
	stats := gin.H{
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	}

	if h.deps.Engine != nil {
		skips := make(map[string]map[string]int64, len(h.deps.Chains))
		for _, chain := range h.deps.Chains {
			if counts := h.deps.Engine.SkipCounts(chain); len(counts) > 0 {
				skips[chain] = counts
			}
		}
		stats["execution"] = gin.H{
			"executed":                   h.deps.Engine.Stats.Executed.Load(),
			"succeeded":                  h.deps.Engine.Stats.Succeeded.Load(),
			"failed":                     h.deps.Engine.Stats.Failed.Load(),
			"skipped":                    h.deps.Engine.Stats.Skipped.Load(),
			"simulationPredictedReverts": h.deps.Engine.Stats.SimulationPredictedReverts.Load(),
			"dropped":                    h.deps.Engine.Stats.Dropped.Load(),
			"skipsByChain":               skips,
		}
	}

	if h.deps.Drawdown != nil {
		now := time.Now()
		stats["risk"] = gin.H{
			"drawdownState":  string(h.deps.Drawdown.State(now)),
			"sizeMultiplier": h.deps.Drawdown.SizeMultiplier(now),
			"dailyPnlEth":    h.deps.Drawdown.DailyPnL().String(),
		}
	}

	if h.deps.Latency != nil {
		stats["latencyMs"] = gin.H{
			"count": h.deps.Latency.Count(),
			"mean":  h.deps.Latency.Mean(),
			"p50":   h.deps.Latency.Percentile(50),
			"p95":   h.deps.Latency.Percentile(95),
			"p99":   h.deps.Latency.Percentile(99),
		}
	}

	if h.limiter != nil {
		api := gin.H{
			"requestsAllowed": h.limiter.Allowed.Load(),
			"requestsLimited": h.limiter.Limited.Load(),
		}
		if h.deps.Hub != nil {
			api["wsClients"] = h.deps.Hub.ClientCount()
			api["wsDropped"] = h.deps.Hub.Dropped.Load()
		}
		stats["api"] = api
	}

	c.JSON(http.StatusOK, stats)
}

func (h *apiHandler) handleOutcomes(c *gin.Context) {
	if h.deps.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Trade ledger not connected"})
		return
	}
	chain := c.Query("chain")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	outcomes, err := h.deps.Ledger.RecentOutcomes(c.Request.Context(), chain, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch outcomes", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": outcomes, "count": len(outcomes)})
}

func (h *apiHandler) handlePerformance(c *gin.Context) {
	if h.deps.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Trade ledger not connected"})
		return
	}
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if hours <= 0 || hours > 24*30 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	perf, err := h.deps.Ledger.PerformanceSince(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate performance", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": perf, "windowHours": hours})
}

func (h *apiHandler) handleBreakers(c *gin.Context) {
	if h.deps.Breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Breakers not initialized"})
		return
	}
	states := make(map[string]string, len(h.deps.Chains))
	for _, chain := range h.deps.Chains {
		states[chain] = string(h.deps.Breakers.State(chain))
	}
	c.JSON(http.StatusOK, gin.H{"breakers": states})
}

func (h *apiHandler) handleForceOpen(c *gin.Context) {
	if h.deps.Breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Breakers not initialized"})
		return
	}
	chain := c.Param("chain")
	reason := c.DefaultQuery("reason", "operator request")
	h.deps.Breakers.ForceOpen(chain, reason)
	c.JSON(http.StatusOK, gin.H{"chain": chain, "state": string(h.deps.Breakers.State(chain))})
}

func (h *apiHandler) handleForceClose(c *gin.Context) {
	if h.deps.Breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Breakers not initialized"})
		return
	}
	chain := c.Param("chain")
	h.deps.Breakers.ForceClose(chain)
	c.JSON(http.StatusOK, gin.H{"chain": chain, "state": string(h.deps.Breakers.State(chain))})
}
