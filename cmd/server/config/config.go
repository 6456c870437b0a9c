package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds the HTTP listen addresses.
type ServerConfig struct {
	HTTPAddr string
	ObsAddr  string
}

// SagaConfig holds the durable saga settings.
type SagaConfig struct {
	JournalDir     string
	ApprovalWindow time.Duration
}

// RedisConfig holds the optional event stream settings. An empty URL
// disables the Redis publisher.
type RedisConfig struct {
	URL                string
	Stream             string
	StreamMaxLen       int64
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	HealthcheckTimeout time.Duration
}

// PaymentConfig holds the payment gateway protection knobs.
type PaymentConfig struct {
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadServer reads the listen addresses from env.
func LoadServer() ServerConfig {
	return ServerConfig{
		HTTPAddr: stringOrDefault("HTTP_ADDR", ":8080"),
		ObsAddr:  stringOrDefault("OBS_ADDR", ":9091"),
	}
}

// LoadSaga reads the saga settings from env.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{
		JournalDir: stringOrDefault("SAGA_JOURNAL_DIR", "data/journals"),
	}

	window, err := optionalDuration("SAGA_APPROVAL_WINDOW")
	if err != nil {
		return cfg, err
	}
	cfg.ApprovalWindow = 10 * time.Second
	if window != nil {
		cfg.ApprovalWindow = *window
	}
	return cfg, nil
}

// LoadRedis reads the event stream settings from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stream: stringOrDefault("REDIS_STREAM", "order_events"),
	}

	var err error
	if cfg.StreamMaxLen, err = optionalInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}

	healthcheck, err := optionalDuration("REDIS_HEALTHCHECK_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	cfg.HealthcheckTimeout = 5 * time.Second
	if healthcheck != nil {
		cfg.HealthcheckTimeout = *healthcheck
	}
	return cfg, nil
}

// LoadPayment reads the payment protection settings from env.
func LoadPayment() (PaymentConfig, error) {
	cfg := PaymentConfig{
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
		RateLimitInterval:   100 * time.Millisecond,
		RateLimitBurst:      10,
	}

	if v, err := optionalInt("PAYMENT_BREAKER_MAX_FAILURES"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.BreakerMaxFailures = *v
	}
	if v, err := optionalDuration("PAYMENT_BREAKER_RESET_TIMEOUT"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.BreakerResetTimeout = *v
	}
	if v, err := optionalDuration("PAYMENT_RATE_LIMIT_INTERVAL"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.RateLimitInterval = *v
	}
	if v, err := optionalInt("PAYMENT_RATE_LIMIT_BURST"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.RateLimitBurst = *v
	}
	return cfg, nil
}

// CarrierConfig holds the carrier client protection knobs.
type CarrierConfig struct {
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadCarrier reads the carrier protection settings from env.
func LoadCarrier() (CarrierConfig, error) {
	cfg := CarrierConfig{
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
		RateLimitInterval:   200 * time.Millisecond,
		RateLimitBurst:      5,
	}

	if v, err := optionalInt("CARRIER_BREAKER_MAX_FAILURES"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.BreakerMaxFailures = *v
	}
	if v, err := optionalDuration("CARRIER_BREAKER_RESET_TIMEOUT"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.BreakerResetTimeout = *v
	}
	if v, err := optionalDuration("CARRIER_RATE_LIMIT_INTERVAL"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.RateLimitInterval = *v
	}
	if v, err := optionalInt("CARRIER_RATE_LIMIT_BURST"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.RateLimitBurst = *v
	}
	return cfg, nil
}

func stringOrDefault(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
