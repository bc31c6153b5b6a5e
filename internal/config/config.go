package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"marketplace/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// AppConfig is the runtime configuration, injected through the environment.
type AppConfig struct {
	HTTPAddr string
	DBPath   string
	LogLevel string

	RedisAddr string
	RedisDB   int

	// Kafka brokers (comma separated), topic and consumer group
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox: the API appends committed events, the relay
	// forwards them to Kafka.
	EventStream   string
	EventGroup    string
	EventConsumer string

	// Paying endpoints: per-caller rate limit and idempotent receipt retention.
	TxRateLimit  int
	TxRateWindow time.Duration
	ReceiptTTL   time.Duration

	JWTSecret []byte
	// AdminAddress is granted the admin role at startup when set.
	AdminAddress common.Address

	// Market seeds the configuration of a fresh database.
	Market market.Config
}

// Load reads .env (when present) and the environment, applying defaults.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := AppConfig{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DBPath:        getEnv("DB_PATH", "marketplace.db"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:  splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "marketplace-events"),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "marketplace-event-indexer"),
		EventStream:   getEnv("EVENT_STREAM", "marketplace:events"),
		EventGroup:    getEnv("EVENT_GROUP", "marketplace-relay-group"),
		EventConsumer: getEnv("EVENT_CONSUMER", "marketplace-relay-1"),
		JWTSecret:     []byte(getEnv("JWT_SECRET", "dev-jwt-secret")),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	if cfg.TxRateLimit, err = getEnvInt("TX_RATE_LIMIT", 1000); err != nil {
		return AppConfig{}, fmt.Errorf("invalid TX_RATE_LIMIT: %w", err)
	}
	if cfg.TxRateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("TX_RATE_LIMIT must be > 0")
	}

	windowSec, err := getEnvInt("TX_RATE_WINDOW_SEC", 1)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid TX_RATE_WINDOW_SEC: %w", err)
	}
	if windowSec <= 0 {
		return AppConfig{}, fmt.Errorf("TX_RATE_WINDOW_SEC must be > 0")
	}
	cfg.TxRateWindow = time.Duration(windowSec) * time.Second

	receiptHours, err := getEnvInt("RECEIPT_TTL_HOUR", 24)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RECEIPT_TTL_HOUR: %w", err)
	}
	if receiptHours <= 0 {
		return AppConfig{}, fmt.Errorf("RECEIPT_TTL_HOUR must be > 0")
	}
	cfg.ReceiptTTL = time.Duration(receiptHours) * time.Hour

	if admin := getEnv("ADMIN_ADDRESS", ""); admin != "" {
		if !common.IsHexAddress(admin) {
			return AppConfig{}, fmt.Errorf("ADMIN_ADDRESS %q is not a hex address", admin)
		}
		cfg.AdminAddress = common.HexToAddress(admin)
	}

	if cfg.Market, err = loadMarket(); err != nil {
		return AppConfig{}, err
	}

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if len(cfg.JWTSecret) == 0 {
		return AppConfig{}, fmt.Errorf("JWT_SECRET must not be empty")
	}

	return cfg, nil
}

func loadMarket() (market.Config, error) {
	var mc market.Config
	for _, f := range []struct {
		key      string
		fallback int
		dst      *int64
	}{
		{"REFERRAL_BONUS", 10, &mc.ReferralBonus},
		{"MIN_SALE_PRICE", 100, &mc.MinSalePrice},
		{"MIN_RENT_PRICE", 10, &mc.MinRentPrice},
		{"FEE_PERCENTAGE", 5, &mc.FeePercentage},
	} {
		v, err := getEnvInt(f.key, f.fallback)
		if err != nil {
			return market.Config{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = int64(v)
	}
	expSec, err := getEnvInt("DEFAULT_EXPIRATION_SEC", int((7 * 24 * time.Hour).Seconds()))
	if err != nil {
		return market.Config{}, fmt.Errorf("invalid DEFAULT_EXPIRATION_SEC: %w", err)
	}
	mc.DefaultExpiration = time.Duration(expSec) * time.Second
	if err := mc.Validate(); err != nil {
		return market.Config{}, err
	}
	return mc, nil
}

// getEnv returns the trimmed variable or fallback when it is empty.
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt parses an integer variable, fallback when it is empty.
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV splits a comma separated list, dropping empty items.
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
