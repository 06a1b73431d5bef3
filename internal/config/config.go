package config

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type Config struct {
	LogLevel  string
	LogFormat string

	DatabaseURL string
	RedisURL    string

	HTTPPort int
	APIKey   string

	TelegramBotToken string
	TelegramChatID   int64

	Tickers        []string
	Sources        []string
	PollIntervalMs int

	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	SSHPort                   int
	SSHHostKeyPath            string
	SSHAuthorizedFingerprints []string

	BacktestDefaultDays  int
	WalkForwardTrainDays int
	WalkForwardTestDays  int

	PriceSpikeBps float64

	Strategy Strategy
}

func Load() *Config {
	log := zap.L().Named("config")

	cfg := &Config{
		LogLevel:           strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		LogFormat:          strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		APIKey:             strings.TrimSpace(os.Getenv("API_KEY")),
		TelegramBotToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		ClickHouseAddr:     strings.TrimSpace(os.Getenv("CLICKHOUSE_ADDR")),
		ClickHouseDatabase: strings.TrimSpace(os.Getenv("CLICKHOUSE_DATABASE")),
		ClickHouseUser:     strings.TrimSpace(os.Getenv("CLICKHOUSE_USER")),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		SSHHostKeyPath:     strings.TrimSpace(os.Getenv("SSH_HOST_KEY_PATH")),
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, persistence disabled")
	}
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.TelegramBotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, telegram notifications disabled")
	}
	if cfg.ClickHouseDatabase == "" {
		cfg.ClickHouseDatabase = "default"
	}
	if cfg.ClickHouseUser == "" {
		cfg.ClickHouseUser = "default"
	}
	if cfg.SSHHostKeyPath == "" {
		cfg.SSHHostKeyPath = ".ssh/trapwatch_ed25519"
	}

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = n
		} else {
			log.Warn("invalid TELEGRAM_CHAT_ID", zap.String("value", v))
		}
	}

	cfg.Tickers = listEnv("TICKERS", []string{"BTC", "ETH"}, strings.ToUpper)
	cfg.Sources = listEnv("SOURCES", []string{"variational", "bybit"}, strings.ToLower)
	cfg.SSHAuthorizedFingerprints = listEnv("SSH_AUTHORIZED_FINGERPRINTS", nil, nil)

	cfg.HTTPPort = intEnv("HTTP_PORT", 8080)
	cfg.PollIntervalMs = intEnv("POLL_INTERVAL_MS", 1000)
	cfg.SSHPort = intEnv("SSH_PORT", 23234)
	cfg.BacktestDefaultDays = intEnv("BACKTEST_DEFAULT_DAYS", 7)
	cfg.WalkForwardTrainDays = intEnv("WALK_FORWARD_TRAIN_DAYS", 7)
	cfg.WalkForwardTestDays = intEnv("WALK_FORWARD_TEST_DAYS", 1)
	cfg.PriceSpikeBps = floatEnv("PRICE_SPIKE_BPS", 50)

	s := DefaultStrategy()
	s.RangeWindowMin = intEnv("RANGE_WINDOW_MIN", s.RangeWindowMin)
	s.BreakoutThresholdBps = floatEnv("BREAKOUT_THRESHOLD_BPS", s.BreakoutThresholdBps)
	s.ReclaimTimeoutSec = intEnv("RECLAIM_TIMEOUT_SEC", s.ReclaimTimeoutSec)
	s.SLBufferBps = floatEnv("SL_BUFFER_BPS", s.SLBufferBps)
	s.RRRatio = floatEnv("RR_RATIO", s.RRRatio)
	s.SpreadMaxBps = floatEnv("SPREAD_MAX_BPS", s.SpreadMaxBps)
	s.ImpactMaxBps = floatEnv("IMPACT_MAX_BPS", s.ImpactMaxBps)
	s.QuoteAgeMaxMs = int64(intEnv("QUOTE_AGE_MAX_MS", int(s.QuoteAgeMaxMs)))
	s.VolMin = floatEnv("VOL_MIN", s.VolMin)
	s.VolMax = floatEnv("VOL_MAX", s.VolMax)
	s.RSIPeriod = intEnv("RSI_PERIOD", s.RSIPeriod)
	s.RSIOverbought = floatEnv("RSI_OVERBOUGHT", s.RSIOverbought)
	s.RSIOversold = floatEnv("RSI_OVERSOLD", s.RSIOversold)
	s.RSIConfirmBuffer = floatEnv("RSI_CONFIRM_BUFFER", s.RSIConfirmBuffer)
	s.RSILookbackSec = intEnv("RSI_LOOKBACK_SEC", s.RSILookbackSec)
	if err := s.Validate(); err != nil {
		log.Warn("invalid strategy parameters, using defaults", zap.Error(err))
		s = DefaultStrategy()
	}
	cfg.Strategy = s

	return cfg
}

// intEnv returns the positive integer in key, or def when unset or invalid.
func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	zap.L().Named("config").Warn("invalid integer, using default", zap.String("key", key), zap.String("value", v))
	return def
}

func floatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil && n >= 0 {
		return n
	}
	zap.L().Named("config").Warn("invalid number, using default", zap.String("key", key), zap.String("value", v))
	return def
}

func listEnv(key string, def []string, normalize func(string) string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if normalize != nil {
			part = normalize(part)
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
