package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	CatalogCacheTTLSeconds int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ManagerPIN             string
	DefaultTaxRatePercent  decimal.Decimal
	BackofficeURL          string
	BackofficeUsername     string
	BackofficePassword     string
	BackofficeTimeoutMS    int
	KafkaBrokers           string
	KafkaSalesTopic        string
	SessionIdleMinutes     int
	LogLevel               string
}

// source resolves keys from the environment first and the optional YAML
// overlay second.
type source struct {
	file map[string]string
}

// Load reads configuration from the environment. When CONFIG_FILE points at a
// YAML document of KEY: value pairs, those values fill in keys the environment
// leaves unset.
func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readOverlay(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	taxRate, err := decimal.NewFromString(src.get("DEFAULT_TAX_RATE_PERCENT", "10"))
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(100)) {
		return Config{}, fmt.Errorf("DEFAULT_TAX_RATE_PERCENT must be a number between 0 and 100")
	}

	cfg := Config{
		Port:                   src.get("PORT", "8080"),
		AllowedOrigin:          src.get("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            src.get("DATABASE_URL", ""),
		RedisAddr:              src.get("REDIS_ADDR", ""),
		RedisPassword:          src.get("REDIS_PASSWORD", ""),
		RedisDB:                src.intValue("REDIS_DB", 0, 0),
		CatalogCacheTTLSeconds: src.intValue("CATALOG_CACHE_TTL_SECONDS", 20, 1),
		AuthSecret:             strings.TrimSpace(src.get("AUTH_SECRET", "")),
		AccessTokenTTLMinutes:  src.intValue("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:             strings.TrimSpace(src.get("MANAGER_PIN", "")),
		DefaultTaxRatePercent:  taxRate,
		BackofficeURL:          strings.TrimRight(strings.TrimSpace(src.get("BACKOFFICE_URL", "")), "/"),
		BackofficeUsername:     src.get("BACKOFFICE_USERNAME", ""),
		BackofficePassword:     src.get("BACKOFFICE_PASSWORD", ""),
		BackofficeTimeoutMS:    src.intValue("BACKOFFICE_TIMEOUT_MS", 5000, 100),
		KafkaBrokers:           src.get("KAFKA_BROKERS", ""),
		KafkaSalesTopic:        src.get("KAFKA_SALES_TOPIC", "storepos.sales"),
		SessionIdleMinutes:     src.intValue("SESSION_IDLE_MINUTES", 30, 1),
		LogLevel:               src.get("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// RemoteBackoffice reports whether catalog and settlement go to another process.
func (c Config) RemoteBackoffice() bool {
	return c.BackofficeURL != ""
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c Config) BackofficeTimeout() time.Duration {
	return time.Duration(c.BackofficeTimeoutMS) * time.Millisecond
}

func (c Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func readOverlay(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return values, nil
}

func (s source) get(key string, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if val, ok := s.file[key]; ok && val != "" {
		return val
	}
	return fallback
}

// intValue parses key as an integer, returning fallback when it is missing,
// malformed or below min.
func (s source) intValue(key string, fallback int, min int) int {
	n, err := strconv.Atoi(s.get(key, strconv.Itoa(fallback)))
	if err != nil || n < min {
		return fallback
	}
	return n
}
