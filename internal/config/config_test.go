package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing env vars
	os.Unsetenv("PORT")
	os.Unsetenv("STREAM_KEY")
	os.Unsetenv("POLL_INTERVAL_MS")
	os.Unsetenv("CONSUMER_MAX_RETRY")
	os.Unsetenv("NOTIFY_TRANSPORT")
	os.Unsetenv("DEDUPE_ENABLED")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.StreamKey != "push:stream" {
		t.Errorf("expected stream key 'push:stream', got %s", cfg.StreamKey)
	}

	if cfg.DLQStreamKey != "push:dlq" {
		t.Errorf("expected dlq stream key 'push:dlq', got %s", cfg.DLQStreamKey)
	}

	if cfg.ConsumerGroup != "push-consumers" {
		t.Errorf("expected consumer group 'push-consumers', got %s", cfg.ConsumerGroup)
	}

	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %v", cfg.PollInterval)
	}

	if cfg.PollBatchSize != 100 {
		t.Errorf("expected poll batch size 100, got %d", cfg.PollBatchSize)
	}

	if cfg.PublishMaxRetry != 3 {
		t.Errorf("expected publish max retry 3, got %d", cfg.PublishMaxRetry)
	}

	if cfg.ReadBlock != 2*time.Second {
		t.Errorf("expected read block 2s, got %v", cfg.ReadBlock)
	}

	if cfg.ClaimMinIdle != 30*time.Second {
		t.Errorf("expected claim min idle 30s, got %v", cfg.ClaimMinIdle)
	}

	if cfg.StreamMaxLen != 10000 {
		t.Errorf("expected stream max len 10000, got %d", cfg.StreamMaxLen)
	}

	if cfg.NotifyTransport != "log" {
		t.Errorf("expected transport 'log', got %s", cfg.NotifyTransport)
	}

	if !cfg.DedupeEnabled {
		t.Error("expected dedupe enabled by default")
	}

	if cfg.DedupeTTL != 24*time.Hour {
		t.Errorf("expected dedupe ttl 24h, got %v", cfg.DedupeTTL)
	}

	if cfg.BreakerEnabled {
		t.Error("expected breaker disabled by default")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("STREAM_KEY", "notify:events")
	os.Setenv("POLL_INTERVAL_MS", "250")
	os.Setenv("CONSUMER_MAX_RETRY", "5")
	os.Setenv("READ_BLOCK_MS", "1000")
	os.Setenv("NOTIFY_TRANSPORT", "sns")
	os.Setenv("DEDUPE_ENABLED", "false")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("STREAM_KEY")
		os.Unsetenv("POLL_INTERVAL_MS")
		os.Unsetenv("CONSUMER_MAX_RETRY")
		os.Unsetenv("READ_BLOCK_MS")
		os.Unsetenv("NOTIFY_TRANSPORT")
		os.Unsetenv("DEDUPE_ENABLED")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.StreamKey != "notify:events" {
		t.Errorf("expected stream key 'notify:events', got %s", cfg.StreamKey)
	}

	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %v", cfg.PollInterval)
	}

	if cfg.ConsumerMaxRetry != 5 {
		t.Errorf("expected consumer max retry 5, got %d", cfg.ConsumerMaxRetry)
	}

	if cfg.ReadBlock != time.Second {
		t.Errorf("expected read block 1s, got %v", cfg.ReadBlock)
	}

	if cfg.NotifyTransport != "sns" {
		t.Errorf("expected transport 'sns', got %s", cfg.NotifyTransport)
	}

	if cfg.DedupeEnabled {
		t.Error("expected dedupe disabled")
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	os.Setenv("POLL_BATCH_SIZE", "lots")
	defer os.Unsetenv("POLL_BATCH_SIZE")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric POLL_BATCH_SIZE")
	}
}

func TestLoad_InvalidBool(t *testing.T) {
	os.Setenv("DEDUPE_ENABLED", "maybe")
	defer os.Unsetenv("DEDUPE_ENABLED")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-boolean DEDUPE_ENABLED")
	}
}
