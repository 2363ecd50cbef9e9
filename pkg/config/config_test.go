package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/genroute/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "genroute.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8090" {
		t.Errorf("expected :8090, got %s", cfg.Listen)
	}
	if cfg.Router.MaxRetries != 2 || cfg.Router.MaxFailover != 3 {
		t.Errorf("unexpected router bounds: %+v", cfg.Router)
	}
	if cfg.Budget.PollInterval != 300*time.Second || cfg.Health.Interval != 300*time.Second {
		t.Errorf("expected 300s poll and probe intervals, got %v / %v", cfg.Budget.PollInterval, cfg.Health.Interval)
	}
	if cfg.Budget.Warning != 5000 || cfg.Budget.Critical != 1000 {
		t.Errorf("unexpected thresholds: %+v", cfg.Budget)
	}
	if cfg.Router.Idempotency != IdempotencyJoin {
		t.Errorf("expected join idempotency by default, got %s", cfg.Router.Idempotency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
accounts:
  - id: runway-1
    provider: runway
    type: http
    base_url: https://gen.example.com
    api_key: ${TEST_API_KEY}
    capabilities: [premium, standard]
    budget: 20000
    priority: 1
  - id: local-1
    provider: local
    type: mock
    capabilities: [volume]
router:
  max_retries: 1
  base_backoff: 100ms
  idempotency: reject
cache:
  enabled: true
  ttl: 30m
planner:
  per_day: 48
  ratios:
    premium: 0.5
    volume: 0.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(cfg.Accounts))
	}
	if cfg.Accounts[0].APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Accounts[0].APIKey)
	}
	if cfg.Accounts[0].Budget == nil || *cfg.Accounts[0].Budget != 20000 {
		t.Errorf("expected budget 20000, got %v", cfg.Accounts[0].Budget)
	}
	if cfg.Accounts[1].Budget != nil {
		t.Errorf("expected unlimited budget for local-1")
	}
	if cfg.Router.MaxRetries != 1 || cfg.Router.BaseBackoff != 100*time.Millisecond {
		t.Errorf("router overrides not applied: %+v", cfg.Router)
	}
	if cfg.Router.MaxFailover != 3 {
		t.Errorf("expected default max_failover 3, got %d", cfg.Router.MaxFailover)
	}
	if cfg.Router.Idempotency != IdempotencyReject {
		t.Errorf("expected reject, got %s", cfg.Router.Idempotency)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if len(cfg.Planner.Ratios) != 2 {
		t.Errorf("expected configured ratios to replace defaults, got %v", cfg.Planner.Ratios)
	}
}

func TestLoadDefaultsRatios(t *testing.T) {
	cfg, err := Load(writeConfig(t, "listen: \":9000\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Planner.Ratios[models.CapabilityVolume] != 0.625 {
		t.Errorf("expected default volume ratio, got %v", cfg.Planner.Ratios)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: a
    capabilities: [volume]
    api_key: ${GENROUTE_TEST_DOTENV_KEY}
`)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("GENROUTE_TEST_DOTENV_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("GENROUTE_TEST_DOTENV_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Accounts[0].APIKey != "from-dotenv" {
		t.Errorf("expected key from .env, got %q", cfg.Accounts[0].APIKey)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate account": `
accounts:
  - {id: a, capabilities: [volume]}
  - {id: a, capabilities: [volume]}
`,
		"unknown capability": `
accounts:
  - {id: a, capabilities: [ultra]}
`,
		"negative budget": `
accounts:
  - {id: a, capabilities: [premium], budget: -5}
`,
		"thresholds inverted": `
budget:
  warning_threshold: 10
  critical_threshold: 20
`,
		"bad idempotency": `
router:
  idempotency: maybe
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "invalid config") && !strings.Contains(err.Error(), "parse config") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
