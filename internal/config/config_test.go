package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("RESULTS_TTL_SECONDS", "")
	t.Setenv("MAX_CONCURRENT_JOBS", "")
	t.Setenv("GIN_MODE", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ResultsTTL() != time.Hour {
		t.Fatalf("ResultsTTL = %v, want 1h", cfg.ResultsTTL())
	}
	if cfg.MaxConcurrentJobs != 5 {
		t.Fatalf("MaxConcurrentJobs = %d, want 5", cfg.MaxConcurrentJobs)
	}
	if cfg.JobTimeout() != 5*time.Minute {
		t.Fatalf("JobTimeout = %v, want 5m", cfg.JobTimeout())
	}
	if cfg.QueueBackend != QueueBackendMemory {
		t.Fatalf("QueueBackend = %q", cfg.QueueBackend)
	}
	if cfg.DefaultDescriptionPrompt != DefaultDescriptionPrompt {
		t.Fatalf("unexpected default prompt: %q", cfg.DefaultDescriptionPrompt)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("RESULTS_TTL_SECONDS", "120")
	t.Setenv("DEFAULT_EXTRACT_IMAGES", "false")
	t.Setenv("DEFAULT_IMAGE_SCALE", "3.5")
	t.Setenv("QUEUE_BACKEND", "ASYNQ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ResultsTTL() != 2*time.Minute {
		t.Fatalf("ResultsTTL = %v", cfg.ResultsTTL())
	}
	if cfg.DefaultExtractImages {
		t.Fatal("expected DefaultExtractImages=false")
	}
	if cfg.DefaultImageScale != 3.5 {
		t.Fatalf("DefaultImageScale = %v", cfg.DefaultImageScale)
	}
	if cfg.QueueBackend != QueueBackendAsynq {
		t.Fatalf("QueueBackend = %q", cfg.QueueBackend)
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			MaxFileSize:                1,
			ResultsTTLSeconds:          1,
			ResultSweepIntervalSeconds: 1,
			MaxConcurrentJobs:          1,
			JobQueueSize:               1,
			JobTimeoutSeconds:          1,
			DefaultImageScale:          2,
			QueueBackend:               QueueBackendMemory,
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	cases := map[string]func(*Config){
		"ttl":     func(c *Config) { c.ResultsTTLSeconds = 0 },
		"workers": func(c *Config) { c.MaxConcurrentJobs = 0 },
		"scale":   func(c *Config) { c.DefaultImageScale = 4.5 },
		"backend": func(c *Config) { c.QueueBackend = "kafka" },
		"redis": func(c *Config) {
			c.QueueBackend = QueueBackendAsynq
			c.QueueRedisURL = ""
		},
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
