package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full environment-driven configuration surface for the engine.
// All credentials MUST come from environment variables; only non-secret
// settings carry defaults.
type Config struct {
	RedisURL    string
	DatabaseURL string
	Port        string

	Chains []ChainConfig

	Risk      RiskConfig
	NoncePool NoncePoolConfig
	Filter    FilterConfig
	Detector  DetectorConfig

	// Feature flags
	BatchedQuoterEnabled   bool
	StatisticalArbEnabled  bool
	PreValidationEnabled   bool
	MempoolWatcherEnabled  bool
	TradeLedgerEnabled     bool
	WebhookAlertingEnabled bool
}

// ChainConfig holds per-chain connectivity and detection thresholds.
type ChainConfig struct {
	Name         string // canonical chain name, e.g. "ethereum"
	EVMChainID   uint64 // 0 for non-EVM chains
	WSURL        string
	FallbackWS   []string
	RPCURL       string
	IsSolana     bool
	HasSequencer bool // L2 with centralized sequencer: priority-fee submission

	StalenessThreshold time.Duration // no-message rotation trigger
	MinProfitUSD       float64
	MinProfitPct       float64
	WhaleThresholdUSD  float64
	Confidence         float64
	ExpiryMs           int64
	GasUnits           uint64
	FallbackGasGwei    float64
	FallbackNativeUSD  float64
}

// RiskConfig holds the capital-protection parameters.
type RiskConfig struct {
	TotalCapitalETH        float64
	MaxDailyLossFraction   float64 // HALT threshold as fraction of capital
	CautionLossFraction    float64
	MinEVThresholdETH      float64
	KellyMultiplier        float64
	MaxSingleTradeFraction float64
	MinTradeFraction       float64
	MinWinProbability      float64
	MaxConsecutiveLosses   int
	HaltCooldown           time.Duration
	RecoveryWinsRequired   int
}

// NoncePoolConfig sizes the pre-allocated nonce pool.
type NoncePoolConfig struct {
	Enabled            bool
	Size               int
	ReplenishThreshold int
	PendingTimeout     time.Duration
	SyncInterval       time.Duration
}

// FilterConfig tunes the four-level swap event filter.
type FilterConfig struct {
	MinAmountUSD      float64
	SamplingRate      float64
	WhaleThresholdUSD float64
	AggregationWindow time.Duration
	MEVPublishCadence time.Duration
}

// DetectorConfig tunes detection loops shared across chains.
type DetectorConfig struct {
	ScanInterval            time.Duration
	DetectionStaleCutoff    time.Duration // hard reject in cross-chain detection
	RetentionCutoff         time.Duration // memory cleanup in the price data manager
	DedupeWindow            time.Duration
	MLTimeout               time.Duration
	MLCacheTTL              time.Duration
	PreValidationSampleRate float64
	PreValidationFloorUSD   float64
	PreValidationMaxLatency time.Duration
	MonthlySimBudget        int
}

// Load reads the whole configuration from the environment. Fatal on missing
// required values so the engine never starts half-configured.
func Load() Config {
	cfg := Config{
		RedisURL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Port:        getEnvOrDefault("PORT", "5340"),

		Risk: RiskConfig{
			TotalCapitalETH:        getEnvFloat("TOTAL_CAPITAL_ETH", 10),
			MaxDailyLossFraction:   getEnvFloat("MAX_DAILY_LOSS", 0.05),
			CautionLossFraction:    getEnvFloat("CAUTION_DAILY_LOSS", 0.03),
			MinEVThresholdETH:      getEnvFloat("MIN_EV_THRESHOLD", 0.005),
			KellyMultiplier:        getEnvFloat("KELLY_MULTIPLIER", 0.5),
			MaxSingleTradeFraction: getEnvFloat("MAX_SINGLE_TRADE_FRACTION", 0.02),
			MinTradeFraction:       getEnvFloat("MIN_TRADE_FRACTION", 0.001),
			MinWinProbability:      getEnvFloat("MIN_WIN_PROBABILITY", 0.55),
			MaxConsecutiveLosses:   getEnvInt("MAX_CONSECUTIVE_LOSSES", 5),
			HaltCooldown:           getEnvDuration("DRAWDOWN_HALT_COOLDOWN", time.Hour),
			RecoveryWinsRequired:   getEnvInt("RECOVERY_WINS_REQUIRED", 3),
		},
		NoncePool: NoncePoolConfig{
			Enabled:            getEnvBool("NONCE_POOL_ENABLED", true),
			Size:               getEnvInt("NONCE_POOL_SIZE", 5),
			ReplenishThreshold: getEnvInt("NONCE_POOL_REPLENISH_THRESHOLD", 2),
			PendingTimeout:     getEnvDuration("NONCE_PENDING_TIMEOUT", 5*time.Minute),
			SyncInterval:       getEnvDuration("NONCE_SYNC_INTERVAL", 30*time.Second),
		},
		Filter: FilterConfig{
			MinAmountUSD:      getEnvFloat("FILTER_MIN_AMOUNT_USD", 10000),
			SamplingRate:      getEnvFloat("FILTER_SAMPLING_RATE", 0.01),
			WhaleThresholdUSD: getEnvFloat("WHALE_THRESHOLD_USD", 50000),
			AggregationWindow: getEnvDuration("FILTER_AGGREGATION_WINDOW", 5*time.Second),
			MEVPublishCadence: getEnvDuration("FILTER_MEV_CADENCE", 30*time.Second),
		},
		Detector: DetectorConfig{
			ScanInterval:            getEnvDuration("CROSSCHAIN_SCAN_INTERVAL", 100*time.Millisecond),
			DetectionStaleCutoff:    getEnvDuration("DETECTION_STALE_CUTOFF", 30*time.Second),
			RetentionCutoff:         getEnvDuration("PRICE_RETENTION_CUTOFF", 5*time.Minute),
			DedupeWindow:            getEnvDuration("OPPORTUNITY_DEDUPE_WINDOW", 5*time.Second),
			MLTimeout:               getEnvDuration("ML_PREDICTION_TIMEOUT", 50*time.Millisecond),
			MLCacheTTL:              getEnvDuration("ML_CACHE_TTL", time.Second),
			PreValidationSampleRate: getEnvFloat("PREVALIDATION_SAMPLE_RATE", 0.1),
			PreValidationFloorUSD:   getEnvFloat("PREVALIDATION_FLOOR_USD", 50),
			PreValidationMaxLatency: getEnvDuration("PREVALIDATION_MAX_LATENCY", 100*time.Millisecond),
			MonthlySimBudget:        getEnvInt("MONTHLY_SIM_BUDGET", 10000),
		},

		BatchedQuoterEnabled:   getEnvBool("FEATURE_BATCHED_QUOTER", false),
		StatisticalArbEnabled:  getEnvBool("FEATURE_STATISTICAL_ARB", false),
		PreValidationEnabled:   getEnvBool("FEATURE_PREVALIDATION", true),
		MempoolWatcherEnabled:  getEnvBool("FEATURE_MEMPOOL_WATCHER", false),
		TradeLedgerEnabled:     getEnvBool("FEATURE_TRADE_LEDGER", true),
		WebhookAlertingEnabled: getEnvBool("FEATURE_WEBHOOK_ALERTS", false),
	}

	cfg.Chains = loadChains()
	return cfg
}

// loadChains builds the per-chain configuration from CHAINS plus per-chain
// env overrides, e.g. ETHEREUM_WS_URL, ETHEREUM_MIN_PROFIT_USD.
func loadChains() []ChainConfig {
	names := strings.Split(getEnvOrDefault("CHAINS", "ethereum,arbitrum,base,polygon,solana"), ",")
	chains := make([]ChainConfig, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		def := chainDefaults(name)
		prefix := strings.ToUpper(name) + "_"

		c := ChainConfig{
			Name:         name,
			EVMChainID:   uint64(getEnvInt(prefix+"CHAIN_ID", int(def.EVMChainID))),
			WSURL:        os.Getenv(prefix + "WS_URL"),
			RPCURL:       os.Getenv(prefix + "RPC_URL"),
			IsSolana:     def.IsSolana,
			HasSequencer: def.HasSequencer,

			StalenessThreshold: getEnvDuration(prefix+"STALENESS_THRESHOLD", def.StalenessThreshold),
			MinProfitUSD:       getEnvFloat(prefix+"MIN_PROFIT_USD", def.MinProfitUSD),
			MinProfitPct:       getEnvFloat(prefix+"MIN_PROFIT_PCT", def.MinProfitPct),
			WhaleThresholdUSD:  getEnvFloat(prefix+"WHALE_THRESHOLD", def.WhaleThresholdUSD),
			Confidence:         getEnvFloat(prefix+"CONFIDENCE", def.Confidence),
			ExpiryMs:           int64(getEnvInt(prefix+"EXPIRY_MS", int(def.ExpiryMs))),
			GasUnits:           uint64(getEnvInt(prefix+"GAS_ESTIMATE", int(def.GasUnits))),
			FallbackGasGwei:    def.FallbackGasGwei,
			FallbackNativeUSD:  def.FallbackNativeUSD,
		}
		if fallbacks := os.Getenv(prefix + "FALLBACK_WS_URLS"); fallbacks != "" {
			for _, u := range strings.Split(fallbacks, ",") {
				if u = strings.TrimSpace(u); u != "" {
					c.FallbackWS = append(c.FallbackWS, u)
				}
			}
		}
		chains = append(chains, c)
	}
	return chains
}

// chainDefaults supplies conservative per-chain defaults. Staleness follows
// block cadence: 5s for fast chains, 10s medium, 15s slow.
func chainDefaults(name string) ChainConfig {
	switch name {
	case "ethereum":
		return ChainConfig{EVMChainID: 1, StalenessThreshold: 15 * time.Second,
			MinProfitUSD: 25, MinProfitPct: 0.3, WhaleThresholdUSD: 100000,
			Confidence: 0.8, ExpiryMs: 30000, GasUnits: 150000,
			FallbackGasGwei: 20, FallbackNativeUSD: 3000}
	case "arbitrum":
		return ChainConfig{EVMChainID: 42161, HasSequencer: true, StalenessThreshold: 5 * time.Second,
			MinProfitUSD: 5, MinProfitPct: 0.15, WhaleThresholdUSD: 50000,
			Confidence: 0.75, ExpiryMs: 15000, GasUnits: 600000,
			FallbackGasGwei: 0.1, FallbackNativeUSD: 3000}
	case "base":
		return ChainConfig{EVMChainID: 8453, HasSequencer: true, StalenessThreshold: 5 * time.Second,
			MinProfitUSD: 5, MinProfitPct: 0.15, WhaleThresholdUSD: 50000,
			Confidence: 0.75, ExpiryMs: 15000, GasUnits: 300000,
			FallbackGasGwei: 0.05, FallbackNativeUSD: 3000}
	case "polygon":
		return ChainConfig{EVMChainID: 137, StalenessThreshold: 10 * time.Second,
			MinProfitUSD: 3, MinProfitPct: 0.2, WhaleThresholdUSD: 25000,
			Confidence: 0.7, ExpiryMs: 20000, GasUnits: 250000,
			FallbackGasGwei: 40, FallbackNativeUSD: 0.5}
	case "solana":
		return ChainConfig{IsSolana: true, StalenessThreshold: 5 * time.Second,
			MinProfitUSD: 5, MinProfitPct: 0.15, WhaleThresholdUSD: 50000,
			Confidence: 0.7, ExpiryMs: 10000, GasUnits: 0,
			FallbackGasGwei: 0, FallbackNativeUSD: 150}
	default:
		return ChainConfig{StalenessThreshold: 10 * time.Second,
			MinProfitUSD: 10, MinProfitPct: 0.25, WhaleThresholdUSD: 50000,
			Confidence: 0.7, ExpiryMs: 20000, GasUnits: 200000,
			FallbackGasGwei: 10, FallbackNativeUSD: 100}
	}
}

// RequireEnv reads a required environment variable and exits if it is not
// set. This prevents the binary from starting with missing critical
// configuration.
func RequireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("[Config] Invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		log.Printf("[Config] Invalid float for %s, using default %f", key, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		log.Printf("[Config] Invalid duration for %s, using default %s", key, fallback)
	}
	return fallback
}
