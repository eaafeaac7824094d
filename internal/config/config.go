package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Port                      string
	DatabaseURL               string
	CallTimeout               time.Duration
	TimeoutScanInterval       time.Duration
	TimeoutLease              time.Duration
	TimeoutBatchSize          int
	ExpiryScanInterval        time.Duration
	LockTimeout               time.Duration
	PresenceMaxAccuracyMeters float64
	Timezone                  string
	RabbitMQURL               string
	RabbitMQExchange          string
	PolicyFile                string
	RateLimitPerMinute        int
	RateLimitBurst            int
	JoinRateLimitPerMinute    int
	JoinRateLimitBurst        int
	CheckRateLimitPerMinute   int
	CheckRateLimitBurst       int
	CounterRateLimitPerMinute int
	CounterRateLimitBurst     int
	OTLPEndpoint              string
	OTLPInsecure              bool
	TraceSampleRatio          float64
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                      port,
		DatabaseURL:               os.Getenv("DB_DSN"),
		CallTimeout:               readDurationSeconds("CALL_TIMEOUT_SECONDS", 120),
		TimeoutScanInterval:       readDurationSeconds("TIMEOUT_SCAN_INTERVAL_SECONDS", 5),
		TimeoutLease:              readDurationSeconds("TIMEOUT_LEASE_SECONDS", 30),
		TimeoutBatchSize:          readInt("TIMEOUT_BATCH_SIZE", 100),
		ExpiryScanInterval:        readDurationSeconds("EXPIRY_SCAN_INTERVAL_SECONDS", 600),
		LockTimeout:               readDurationSeconds("SERVICE_LOCK_TIMEOUT_SECONDS", 5),
		PresenceMaxAccuracyMeters: readFloat("PRESENCE_MAX_ACCURACY_METERS", 50),
		Timezone:                  readString("TIMEZONE", "UTC"),
		RabbitMQURL:               os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange:          readString("RABBITMQ_EXCHANGE", "queue_events"),
		PolicyFile:                os.Getenv("POLICY_FILE"),
		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		JoinRateLimitPerMinute:    readInt("JOIN_RATE_LIMIT_PER_MIN", 6),
		JoinRateLimitBurst:        readInt("JOIN_RATE_LIMIT_BURST", 3),
		CheckRateLimitPerMinute:   readInt("PRESENCE_RATE_LIMIT_PER_MIN", 30),
		CheckRateLimitBurst:       readInt("PRESENCE_RATE_LIMIT_BURST", 5),
		CounterRateLimitPerMinute: readInt("COUNTER_RATE_LIMIT_PER_MIN", 60),
		CounterRateLimitBurst:     readInt("COUNTER_RATE_LIMIT_BURST", 10),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:              readString("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		TraceSampleRatio:          readFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
