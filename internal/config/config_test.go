package config

import (
	"os"
	"strings"
	"testing"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8484" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Dispatch.TimeoutSeconds != 45 {
		t.Fatalf("dispatch timeout = %d", cfg.Dispatch.TimeoutSeconds)
	}
	if len(cfg.Agents) != 4 {
		t.Fatalf("agents = %d", len(cfg.Agents))
	}
	if len(cfg.Routing) != 1 || cfg.Routing[0].Agent != "factchecker" {
		t.Fatalf("unexpected routing rules: %+v", cfg.Routing)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("limits:\n  rate_max_requests: 5\n"))
	if err != nil {
		t.Fatalf("partial config: %v", err)
	}
	if cfg.Limits.RateMaxRequests != 5 {
		t.Fatalf("rate_max_requests = %d", cfg.Limits.RateMaxRequests)
	}
	if cfg.Limits.MaxConcurrent != 10 {
		t.Fatalf("max_concurrent should keep its default, got %d", cfg.Limits.MaxConcurrent)
	}
	if len(cfg.Agents) != 4 {
		t.Fatalf("agents should keep their defaults, got %d", len(cfg.Agents))
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Limits.MaxConcurrent = 0 }, "max_concurrent"},
		{"no agents", func(c *Config) { c.Agents = nil }, "at least one agent"},
		{"duplicate variant", func(c *Config) { c.Agents = append(c.Agents, c.Agents[0]) }, "defined twice"},
		{"unknown agent phase", func(c *Config) { c.Agents[0].Phases = []string{"DRAFTING"} }, "unknown phase"},
		{"uncovered phase", func(c *Config) { c.Agents = c.Agents[:3] }, "no agent covers phase FACTCHECK"},
		{"rule targets unknown agent", func(c *Config) { c.Routing[0].Agent = "ghost" }, "unknown agent"},
		{"webhook without url", func(c *Config) { c.Server.Webhooks = []WebhookConfig{{Secret: "s"}} }, "has no url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("Load should fail when no config file exists")
	}
	fallback, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if fallback.Limits.DailyBudgetUSD != 5.0 {
		t.Fatalf("daily budget = %v", fallback.Limits.DailyBudgetUSD)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Completion.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", cfg.Completion.Model)
	}
}
