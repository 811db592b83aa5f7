package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting for the execution core,
// read once at startup (§6 Configuration).
type Config struct {
	Port   string
	DBPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	Language  string

	// Mode
	ExecutionMode string // LIVE, PAPER, BACKTEST

	// Sizing
	RiskPct           float64
	Leverage          float64
	MarginMode        string // isolated, cross
	MinOrderValueUSDT float64
	MaxOrderValueUSDT float64

	// Gates
	MaxOpenPositions          int
	PositionMutexUpgradeAction string // BLOCK, CLOSE_LOWER_AND_OPEN
	CooldownEnabled           bool
	CooldownBars1H            int
	CooldownBars4H            int
	CooldownBars1D            int

	// Entry
	EntryOrderType              string // Market, Limit
	EntryTimeoutMs              int
	EntryPartialFillTimeoutMs   int
	EntryMaxRetries             int
	EntryRepriceBps             float64
	EntryFallbackMarket         bool

	// Exits
	RunnerTrailMode          string // ATR, PIVOT
	RunnerTrailATRPeriod     int
	RunnerTrailATRMult       float64
	RunnerTrailPivotLookback int
	SecondaryRuleEnabled     bool

	// Risk
	AccountKillSwitchEnabled bool
	AccountKillSwitchForceOn bool
	DailyLossLimitPct        float64
	RiskCircuitEnabled       bool
	DailyDrawdownSoftPct     float64
	DailyDrawdownHardPct     float64

	// Consistency
	ConsistencyDriftEnabled      bool
	ConsistencyDriftThresholdPct float64
	ConsistencyDriftWindowMs     int64
	WalletDriftThresholdPct      float64

	// WS
	PrivateWSEnabled      bool
	PrivateWSSubscriptions []string

	// Reconcile
	ReconcileOpenOrdersPollIntervalSec int
	ReconcileIntervalMs                int
	RunnerLiveUpdateMinIntervalMs      int64
	OrderTimeoutAlertWindowMs          int64
	PositionSyncIntervalMs             int
	RiskMonitorIntervalMs              int

	// Venue
	VenueAPIKey    string
	VenueAPISecret string
	VenueBaseURL   string
	VenueTestnet   bool
	VenueCategory  string // linear, inverse

	// Snapshot archival
	SnapshotS3Bucket       string
	SnapshotS3Prefix       string
	AWSRegion              string
	AWSAccessKeyID         string
	AWSSecretAccessKey     string
	SnapshotIntervalSec    int
	SnapshotRetentionMs    int64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/execution.db")
	}

	cfg := &Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: dbPath,

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
		Language:  getEnv("LANGUAGE", "en"),

		ExecutionMode: strings.ToUpper(getEnv("EXECUTION_MODE", "PAPER")),

		RiskPct:           getEnvFloat("RISK_PCT", 0.005),
		Leverage:          getEnvFloat("LEVERAGE", 10),
		MarginMode:        strings.ToLower(getEnv("MARGIN_MODE", "isolated")),
		MinOrderValueUSDT: getEnvFloat("MIN_ORDER_VALUE_USDT", 5),
		MaxOrderValueUSDT: getEnvFloat("MAX_ORDER_VALUE_USDT", 50000),

		MaxOpenPositions:           getEnvInt("MAX_OPEN_POSITIONS", 5),
		PositionMutexUpgradeAction: strings.ToUpper(getEnv("POSITION_MUTEX_UPGRADE_ACTION", "BLOCK")),
		CooldownEnabled:            getEnv("COOLDOWN_ENABLED", "true") == "true",
		CooldownBars1H:             getEnvInt("COOLDOWN_BARS_1H", 4),
		CooldownBars4H:             getEnvInt("COOLDOWN_BARS_4H", 2),
		CooldownBars1D:             getEnvInt("COOLDOWN_BARS_1D", 1),

		EntryOrderType:            getEnv("EXECUTION_ENTRY_ORDER_TYPE", "Limit"),
		EntryTimeoutMs:            getEnvInt("EXECUTION_ENTRY_TIMEOUT_MS", 15000),
		EntryPartialFillTimeoutMs: getEnvInt("EXECUTION_ENTRY_PARTIAL_FILL_TIMEOUT_MS", 20000),
		EntryMaxRetries:           getEnvInt("EXECUTION_ENTRY_MAX_RETRIES", 3),
		EntryRepriceBps:           getEnvFloat("EXECUTION_ENTRY_REPRICE_BPS", 5),
		EntryFallbackMarket:       getEnv("EXECUTION_ENTRY_FALLBACK_MARKET", "true") == "true",

		RunnerTrailMode:          strings.ToUpper(getEnv("RUNNER_TRAIL_MODE", "ATR")),
		RunnerTrailATRPeriod:     getEnvInt("RUNNER_TRAIL_ATR_PERIOD", 14),
		RunnerTrailATRMult:       getEnvFloat("RUNNER_TRAIL_ATR_MULT", 1.5),
		RunnerTrailPivotLookback: getEnvInt("RUNNER_TRAIL_PIVOT_LOOKBACK", 5),
		SecondaryRuleEnabled:     getEnv("SECONDARY_RULE_ENABLED", "true") == "true",

		AccountKillSwitchEnabled: getEnv("ACCOUNT_KILL_SWITCH_ENABLED", "true") == "true",
		AccountKillSwitchForceOn: getEnv("ACCOUNT_KILL_SWITCH_FORCE_ON", "false") == "true",
		DailyLossLimitPct:        getEnvFloat("DAILY_LOSS_LIMIT_PCT", 0.03),
		RiskCircuitEnabled:       getEnv("RISK_CIRCUIT_ENABLED", "true") == "true",
		DailyDrawdownSoftPct:     getEnvFloat("DAILY_DRAWDOWN_SOFT_PCT", 0.04),
		DailyDrawdownHardPct:     getEnvFloat("DAILY_DRAWDOWN_HARD_PCT", 0.08),

		ConsistencyDriftEnabled:      getEnv("CONSISTENCY_DRIFT_ENABLED", "true") == "true",
		ConsistencyDriftThresholdPct: getEnvFloat("CONSISTENCY_DRIFT_THRESHOLD_PCT", 0.10),
		ConsistencyDriftWindowMs:     getEnvInt64("CONSISTENCY_DRIFT_WINDOW_MS", 300000),
		WalletDriftThresholdPct:      getEnvFloat("WALLET_DRIFT_THRESHOLD_PCT", 0.05),

		PrivateWSEnabled:       getEnv("PRIVATE_WS_ENABLED", "true") == "true",
		PrivateWSSubscriptions: splitAndTrim(getEnv("PRIVATE_WS_SUBSCRIPTIONS", "order,execution,position,wallet")),

		ReconcileOpenOrdersPollIntervalSec: getEnvInt("RECONCILE_OPEN_ORDERS_POLL_INTERVAL_SEC", 5),
		ReconcileIntervalMs:                getEnvInt("RECONCILE_INTERVAL_MS", 2000),
		RunnerLiveUpdateMinIntervalMs:      getEnvInt64("RUNNER_LIVE_UPDATE_MIN_INTERVAL_MS", 3000),
		OrderTimeoutAlertWindowMs:          getEnvInt64("ORDER_TIMEOUT_ALERT_WINDOW_MS", 120000),
		PositionSyncIntervalMs:             getEnvInt("POSITION_SYNC_INTERVAL_MS", 5000),
		RiskMonitorIntervalMs:              getEnvInt("RISK_MONITOR_INTERVAL_MS", 10000),

		VenueAPIKey:    os.Getenv("VENUE_API_KEY"),
		VenueAPISecret: os.Getenv("VENUE_API_SECRET"),
		VenueBaseURL:   getEnv("VENUE_BASE_URL", "https://api.bybit.com"),
		VenueTestnet:   getEnv("VENUE_TESTNET", "false") == "true",
		VenueCategory:  getEnv("VENUE_CATEGORY", "linear"),

		SnapshotS3Bucket:    getEnv("SNAPSHOT_S3_BUCKET", ""),
		SnapshotS3Prefix:    getEnv("SNAPSHOT_S3_PREFIX", "execution-core/snapshots"),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:  os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SnapshotIntervalSec: getEnvInt("ACCOUNT_SNAPSHOT_INTERVAL_SEC", 30),
		SnapshotRetentionMs: getEnvInt64("SNAPSHOT_RETENTION_MS", 7*24*3600*1000),
	}

	if err := applyRiskYAML(cfg, getEnv("RISK_CONFIG_PATH", "config/risk.yaml")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}
