package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Stream topology
	StreamKey     string // main delivery stream
	DLQStreamKey  string // dead letter stream
	ConsumerGroup string // consumer group on the main stream

	// Outbox poller
	PollInterval        time.Duration
	PollBatchSize       int
	PublishMaxRetry     int // publish attempts before an intent is marked failed
	StatusInterval      time.Duration
	OutboxRetentionDays int
	CleanupInterval     time.Duration

	// Stream consumer
	ReadCount        int64
	ReadBlock        time.Duration
	ConsumerReaders  int
	ConsumerMaxRetry int // delivery attempts before an event goes to the DLQ
	ClaimInterval    time.Duration
	ClaimMinIdle     time.Duration
	ClaimBatchSize   int64

	// Stream retention
	StreamMaxLen int64
	TrimInterval time.Duration

	// Delivery transports
	NotifyTransport string // log, sns or ses
	AWSRegion       string
	SESFromEmail    string

	// Duplicate suppression
	DedupeEnabled bool
	DedupeTTL     time.Duration

	// Circuit breaker around the push transport
	BreakerEnabled bool

	// HTTP API
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "pushrelay",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		StreamKey:     "push:stream",
		DLQStreamKey:  "push:dlq",
		ConsumerGroup: "push-consumers",

		PollInterval:        500 * time.Millisecond,
		PollBatchSize:       100,
		PublishMaxRetry:     3,
		StatusInterval:      time.Minute,
		OutboxRetentionDays: 7,
		CleanupInterval:     24 * time.Hour,

		ReadCount:        10,
		ReadBlock:        2 * time.Second,
		ConsumerReaders:  1,
		ConsumerMaxRetry: 3,
		ClaimInterval:    30 * time.Second,
		ClaimMinIdle:     30 * time.Second,
		ClaimBatchSize:   100,

		StreamMaxLen: 10000,
		TrimInterval: time.Hour,

		NotifyTransport: "log",
		AWSRegion:       "us-east-1",
		SESFromEmail:    "noreply@pushrelay.local",

		DedupeEnabled: true,
		DedupeTTL:     24 * time.Hour,

		RateLimitPerMinute: 120,
		ShutdownTimeout:    10 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Stream topology
	if key := os.Getenv("STREAM_KEY"); key != "" {
		cfg.StreamKey = key
	}

	if key := os.Getenv("DLQ_STREAM_KEY"); key != "" {
		cfg.DLQStreamKey = key
	}

	if group := os.Getenv("CONSUMER_GROUP"); group != "" {
		cfg.ConsumerGroup = group
	}

	// Poller config
	if interval := os.Getenv("POLL_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL_MS: %w", err)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}

	if size := os.Getenv("POLL_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_BATCH_SIZE: %w", err)
		}
		cfg.PollBatchSize = s
	}

	if retry := os.Getenv("PUBLISH_MAX_RETRY"); retry != "" {
		r, err := strconv.Atoi(retry)
		if err != nil {
			return nil, fmt.Errorf("invalid PUBLISH_MAX_RETRY: %w", err)
		}
		cfg.PublishMaxRetry = r
	}

	if interval := os.Getenv("STATUS_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid STATUS_INTERVAL_MS: %w", err)
		}
		cfg.StatusInterval = time.Duration(ms) * time.Millisecond
	}

	if days := os.Getenv("OUTBOX_RETENTION_DAYS"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_RETENTION_DAYS: %w", err)
		}
		cfg.OutboxRetentionDays = d
	}

	if interval := os.Getenv("CLEANUP_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid CLEANUP_INTERVAL_MS: %w", err)
		}
		cfg.CleanupInterval = time.Duration(ms) * time.Millisecond
	}

	// Consumer config
	if count := os.Getenv("READ_COUNT"); count != "" {
		c, err := strconv.Atoi(count)
		if err != nil {
			return nil, fmt.Errorf("invalid READ_COUNT: %w", err)
		}
		cfg.ReadCount = int64(c)
	}

	if block := os.Getenv("READ_BLOCK_MS"); block != "" {
		ms, err := strconv.Atoi(block)
		if err != nil {
			return nil, fmt.Errorf("invalid READ_BLOCK_MS: %w", err)
		}
		cfg.ReadBlock = time.Duration(ms) * time.Millisecond
	}

	if readers := os.Getenv("CONSUMER_READERS"); readers != "" {
		r, err := strconv.Atoi(readers)
		if err != nil {
			return nil, fmt.Errorf("invalid CONSUMER_READERS: %w", err)
		}
		cfg.ConsumerReaders = r
	}

	if retry := os.Getenv("CONSUMER_MAX_RETRY"); retry != "" {
		r, err := strconv.Atoi(retry)
		if err != nil {
			return nil, fmt.Errorf("invalid CONSUMER_MAX_RETRY: %w", err)
		}
		cfg.ConsumerMaxRetry = r
	}

	if interval := os.Getenv("CLAIM_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_INTERVAL_MS: %w", err)
		}
		cfg.ClaimInterval = time.Duration(ms) * time.Millisecond
	}

	if idle := os.Getenv("CLAIM_MIN_IDLE_MS"); idle != "" {
		ms, err := strconv.Atoi(idle)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_MIN_IDLE_MS: %w", err)
		}
		cfg.ClaimMinIdle = time.Duration(ms) * time.Millisecond
	}

	if size := os.Getenv("CLAIM_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_BATCH_SIZE: %w", err)
		}
		cfg.ClaimBatchSize = int64(s)
	}

	// Retention config
	if maxLen := os.Getenv("STREAM_MAX_LEN"); maxLen != "" {
		m, err := strconv.Atoi(maxLen)
		if err != nil {
			return nil, fmt.Errorf("invalid STREAM_MAX_LEN: %w", err)
		}
		cfg.StreamMaxLen = int64(m)
	}

	if interval := os.Getenv("TRIM_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid TRIM_INTERVAL_MS: %w", err)
		}
		cfg.TrimInterval = time.Duration(ms) * time.Millisecond
	}

	// Transport config
	if transport := os.Getenv("NOTIFY_TRANSPORT"); transport != "" {
		cfg.NotifyTransport = transport
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// Dedupe config
	if enabled := os.Getenv("DEDUPE_ENABLED"); enabled != "" {
		e, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid DEDUPE_ENABLED: %w", err)
		}
		cfg.DedupeEnabled = e
	}

	if ttl := os.Getenv("DEDUPE_TTL_HOURS"); ttl != "" {
		h, err := strconv.Atoi(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid DEDUPE_TTL_HOURS: %w", err)
		}
		cfg.DedupeTTL = time.Duration(h) * time.Hour
	}

	if enabled := os.Getenv("BREAKER_ENABLED"); enabled != "" {
		e, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_ENABLED: %w", err)
		}
		cfg.BreakerEnabled = e
	}

	// HTTP config
	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = l
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT_MS"); timeout != "" {
		ms, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT_MS: %w", err)
		}
		cfg.ShutdownTimeout = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}
