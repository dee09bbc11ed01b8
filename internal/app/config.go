package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN       string
	CatalogPath string

	// Registry chain-of-custody log. An empty key disables the log.
	CustodyLogPath string
	CustodyKey     string

	// Shared cache store for budget enforcement state. Empty addr = in-memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string

	// Selection engine.
	ExplorationRate     float64
	SelectionStrategy   string
	FallbackStrategy    string
	CostWeight          float64
	QualityWeight       float64
	LatencyWeight       float64
	MinQualityThreshold float64
	LocalPreference     bool
	CarbonAware         bool
	CarbonIntensityPath string

	// Pricing pipeline.
	PricingUpdateInterval     time.Duration
	PricingStalenessTolerance time.Duration
	PricingChangeThresholdPct float64

	// Budgets and anomalies.
	BudgetWarningPct    float64
	BudgetCriticalPct   float64
	AnomalyThresholdStd float64
	AnomalyWindowHours  int

	// Durable remediation via Temporal.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
	ExecutorURL       string

	// OpenTelemetry tracing.
	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("ROUTECORE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("ROUTECORE_LOG_LEVEL", "info"),

		DBDSN:       getEnv("ROUTECORE_DB_DSN", "file:/data/routecore.sqlite"),
		CatalogPath: getEnv("ROUTECORE_CATALOG_PATH", "/data/catalog.json"),

		CustodyLogPath: getEnv("ROUTECORE_CUSTODY_LOG", "/data/custody.log"),
		CustodyKey:     getEnv("ROUTECORE_CUSTODY_KEY", ""),

		RedisAddr:     getEnv("ROUTECORE_REDIS_ADDR", ""),
		RedisPassword: getEnv("ROUTECORE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("ROUTECORE_REDIS_DB", 0),

		RateLimitRPS:   getEnvInt("ROUTECORE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("ROUTECORE_RATE_LIMIT_BURST", 120),
		CORSOrigins:    getEnvStringSlice("ROUTECORE_CORS_ORIGINS", nil),

		ExplorationRate:     getEnvFloat("ROUTER_EXPLORE_P", 0.05),
		SelectionStrategy:   getEnv("SELECTION_STRATEGY", "cost_aware_bandit"),
		FallbackStrategy:    getEnv("FALLBACK_STRATEGY", "cheapest_viable"),
		CostWeight:          getEnvFloat("SELECTION_COST_WEIGHT", 0.4),
		QualityWeight:       getEnvFloat("SELECTION_QUALITY_WEIGHT", 0.4),
		LatencyWeight:       getEnvFloat("SELECTION_LATENCY_WEIGHT", 0.2),
		MinQualityThreshold: getEnvFloat("MIN_QUALITY_THRESHOLD", 0.7),
		LocalPreference:     getEnvBool("LOCAL_MODEL_PREFERENCE", true),
		CarbonAware:         getEnvBool("CARBON_AWARE", true),
		CarbonIntensityPath: getEnv("ROUTECORE_CARBON_INTENSITY_PATH", ""),

		PricingUpdateInterval:     getEnvSeconds("PRICING_UPDATE_INTERVAL", 300),
		PricingStalenessTolerance: getEnvSeconds("PRICING_STALENESS_TOLERANCE", 3600),
		PricingChangeThresholdPct: getEnvFloat("PRICING_CHANGE_THRESHOLD", 5.0),

		BudgetWarningPct:    getEnvFloat("BUDGET_WARNING_THRESHOLD_PERCENT", 80),
		BudgetCriticalPct:   getEnvFloat("BUDGET_CRITICAL_THRESHOLD_PERCENT", 95),
		AnomalyThresholdStd: getEnvFloat("ANOMALY_THRESHOLD_STD", 2.5),
		AnomalyWindowHours:  getEnvInt("ANOMALY_WINDOW_HOURS", 24),

		TemporalEnabled:   getEnvBool("ROUTECORE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("ROUTECORE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("ROUTECORE_TEMPORAL_NAMESPACE", "routecore"),
		TemporalTaskQueue: getEnv("ROUTECORE_TEMPORAL_TASK_QUEUE", "routecore-remediation"),
		ExecutorURL:       getEnv("ROUTECORE_EXECUTOR_URL", "http://localhost:9090/execute"),

		OTelEnabled:  getEnvBool("ROUTECORE_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("ROUTECORE_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("ROUTECORE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("ROUTECORE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return fmt.Errorf("ROUTER_EXPLORE_P must be in [0,1], got %f", c.ExplorationRate)
	}
	if c.CostWeight+c.QualityWeight+c.LatencyWeight <= 0 {
		return fmt.Errorf("selection weights must sum to > 0")
	}
	if c.MinQualityThreshold < 0 || c.MinQualityThreshold > 1 {
		return fmt.Errorf("MIN_QUALITY_THRESHOLD must be in [0,1], got %f", c.MinQualityThreshold)
	}
	if c.PricingUpdateInterval <= 0 {
		return fmt.Errorf("PRICING_UPDATE_INTERVAL must be > 0")
	}
	if c.PricingStalenessTolerance <= 0 {
		return fmt.Errorf("PRICING_STALENESS_TOLERANCE must be > 0")
	}
	if c.BudgetWarningPct <= 0 || c.BudgetWarningPct >= c.BudgetCriticalPct {
		return fmt.Errorf("budget thresholds must satisfy 0 < warning (%f) < critical (%f)",
			c.BudgetWarningPct, c.BudgetCriticalPct)
	}
	if c.AnomalyThresholdStd <= 0 {
		return fmt.Errorf("ANOMALY_THRESHOLD_STD must be > 0, got %f", c.AnomalyThresholdStd)
	}
	if c.AnomalyWindowHours <= 0 {
		return fmt.Errorf("ANOMALY_WINDOW_HOURS must be > 0, got %d", c.AnomalyWindowHours)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

// getEnvSeconds reads an integer number of seconds.
func getEnvSeconds(key string, defSecs int) time.Duration {
	return time.Duration(getEnvInt(key, defSecs)) * time.Second
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
