package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Schedule.CrawlTime != "02:00" || cfg.Schedule.Timezone != "Asia/Shanghai" {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	if cfg.Platform.MaxListingPages != 5 || cfg.Platform.MaxReviewPages != 3 || cfg.Platform.MaxReviewsPerProduct != 1000 {
		t.Fatalf("unexpected platform defaults: %+v", cfg.Platform)
	}
	if cfg.Spider.RequestDelay != time.Second || cfg.Schedule.TaskRetention != 720*time.Hour {
		t.Fatalf("unexpected durations: delay=%v retention=%v", cfg.Spider.RequestDelay, cfg.Schedule.TaskRetention)
	}
}

func TestLoad_FileOverridesAndDurations(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"driver": "sqlite", "dsn": "file::memory:"},
		"spider": {"request_delay": "250ms", "max_retries": 5},
		"platform": {"max_reviews_per_product": 0},
		"schedule": {"crawl_time": "03:30", "retry_on_failure": false, "task_retention": "48h"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Spider.RequestDelay != 250*time.Millisecond || cfg.Spider.MaxRetries != 5 {
		t.Fatalf("spider = %+v", cfg.Spider)
	}
	// 未写入文件的字段保留默认值
	if cfg.Spider.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", cfg.Spider.Timeout)
	}
	if cfg.Platform.MaxReviewsPerProduct != 0 {
		t.Fatalf("explicit 0 must disable review collection, got %d", cfg.Platform.MaxReviewsPerProduct)
	}
	if cfg.Schedule.RetryOnFailure {
		t.Fatalf("retry_on_failure should be false")
	}
	if cfg.Schedule.TaskRetention != 48*time.Hour || cfg.Schedule.CrawlTime != "03:30" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
}

func TestLoad_InvalidCrawlTimeIsConfigurationError(t *testing.T) {
	path := writeConfig(t, `{"schedule": {"crawl_time": "25:00"}}`)
	_, err := Load(path)
	if !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `{"schedule": {"poll_interval": "soon"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("expected poll_interval error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCHEDULE_CRAWL_TIME", "04:15")
	t.Setenv("SCHEDULE_MAX_RETRY_ATTEMPTS", "1")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_NAME", "mall")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Schedule.CrawlTime != "04:15" || cfg.Schedule.MaxRetryAttempts != 1 {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("redis addr = %q", cfg.Redis.Addr)
	}
	if !strings.Contains(cfg.Database.DSN, "tcp(db:3306)/mall") {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{"listing pages", func(c *Config) { c.Platform.MaxListingPages = 0 }},
		{"negative delay", func(c *Config) { c.Spider.RequestDelay = -time.Second }},
		{"negative retries", func(c *Config) { c.Schedule.MaxRetryAttempts = -1 }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !apperr.IsKind(err, apperr.KindConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestMarshalDurationsAsStrings(t *testing.T) {
	data, err := json.Marshal(Default())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"request_delay":"1s"`, `"poll_interval":"1m0s"`, `"task_retention":"720h0m0s"`} {
		if !strings.Contains(out, want) {
			t.Errorf("marshalled config missing %s", want)
		}
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock(" 02:05 ")
	if err != nil || h != 2 || m != 5 {
		t.Fatalf("ParseClock() = %d, %d, %v", h, m, err)
	}
	if _, _, err := ParseClock("2am"); err == nil {
		t.Fatalf("expected error")
	}
}
