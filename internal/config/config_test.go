// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{
		Instances: []InstanceConfig{
			{Name: "acme", Domain: "acme.freshdesk.com", APIKey: "key"},
		},
		Jira: JiraConfig{
			URL:        "https://acme.atlassian.net",
			Email:      "ops@acme.com",
			APIToken:   "token",
			ProjectKey: "HD",
		},
		Mapping: MappingConfig{
			Priority: ValueTable{Values: map[string]string{"low": "Low"}},
			Status:   ValueTable{Values: map[string]string{"open": "To Do"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.BatchSize)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.MaxConcurrent)
	}
	if cfg.CheckpointDriver != "sqlite3" {
		t.Errorf("CheckpointDriver = %q, want sqlite3", cfg.CheckpointDriver)
	}
	if cfg.MissingUserPolicy != MissingUserUnassigned {
		t.Errorf("MissingUserPolicy = %q, want %q", cfg.MissingUserPolicy, MissingUserUnassigned)
	}
	if cfg.Instances[0].RateLimit != 100 {
		t.Errorf("instance RateLimit = %d, want 100", cfg.Instances[0].RateLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"valid", func(c *Config) {}, true},
		{"no instances", func(c *Config) { c.Instances = nil }, false},
		{"duplicate instance", func(c *Config) {
			c.Instances = append(c.Instances, c.Instances[0])
		}, false},
		{"missing jira url", func(c *Config) { c.Jira.URL = "" }, false},
		{"missing token", func(c *Config) {
			c.Jira.APIToken = ""
			c.Jira.APITokenSecret = ""
		}, false},
		{"secret without region", func(c *Config) {
			c.Jira.APIToken = ""
			c.Jira.APITokenSecret = "jira/token"
			c.Jira.SecretRegion = ""
		}, false},
		{"secret with region", func(c *Config) {
			c.Jira.APIToken = ""
			c.Jira.APITokenSecret = "jira/token"
			c.Jira.SecretRegion = "us-east-1"
		}, true},
		{"concurrency too high", func(c *Config) {
			c.MaxConcurrent = c.BatchSize
		}, false},
		{"unknown driver", func(c *Config) { c.CheckpointDriver = "postgres" }, false},
		{"mysql needs dsn", func(c *Config) {
			c.CheckpointDriver = "mysql"
			c.CheckpointDSN = ""
		}, false},
		{"fallback needs account", func(c *Config) {
			c.MissingUserPolicy = MissingUserFallback
			c.FallbackAccountID = ""
		}, false},
		{"fallback with account", func(c *Config) {
			c.MissingUserPolicy = MissingUserFallback
			c.FallbackAccountID = "abc123"
		}, true},
		{"unknown policy", func(c *Config) { c.MissingUserPolicy = "punt" }, false},
		{"unknown instance filter", func(c *Config) { c.OnlyInstance = "ghost" }, false},
		{"no priority table", func(c *Config) {
			c.Mapping.Priority.Values = nil
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
instances:
  - name: acme
    domain: acme.freshdesk.com
    api_key: secret
    rate_limit: 30
jira:
  url: https://acme.atlassian.net
  email: ops@acme.com
  api_token: tok
  project_key: HD
batch_size: 50
max_concurrent_requests: 4
dry_run: true
field_mapping:
  priority:
    values:
      low: Low
      urgent: Highest
    default: Medium
  status:
    values:
      open: "To Do"
attachments:
  max_size_mb: 10
  blocked_extensions: [".exe", ".bat"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{}
	if err := loadFromYAML(cfg, path); err != nil {
		t.Fatalf("loadFromYAML: %v", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.BatchSize)
	}
	if !cfg.DryRun {
		t.Error("DryRun should be true")
	}
	if cfg.Instances[0].RateLimit != 30 {
		t.Errorf("instance RateLimit = %d, want 30", cfg.Instances[0].RateLimit)
	}
	if cfg.Mapping.Priority.Default != "Medium" {
		t.Errorf("priority default = %q, want Medium", cfg.Mapping.Priority.Default)
	}
	if cfg.Attachments.MaxSizeMB != 10 {
		t.Errorf("MaxSizeMB = %d, want 10", cfg.Attachments.MaxSizeMB)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TICKET_MIGRATION_BATCH_SIZE", "25")
	t.Setenv("TICKET_MIGRATION_DRY_RUN", "true")
	t.Setenv("TICKET_MIGRATION_JIRA_PROJECT_KEY", "OPS")

	cfg := validConfig()
	loadFromEnv(cfg)
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if !cfg.DryRun {
		t.Error("DryRun should be true from env")
	}
	if cfg.Jira.ProjectKey != "OPS" {
		t.Errorf("ProjectKey = %q, want OPS", cfg.Jira.ProjectKey)
	}
}

func TestActiveInstances(t *testing.T) {
	cfg := validConfig()
	cfg.Instances = append(cfg.Instances, InstanceConfig{
		Name: "globex", Domain: "globex.freshdesk.com", APIKey: "k2",
	})

	if got := len(cfg.ActiveInstances()); got != 2 {
		t.Fatalf("ActiveInstances() = %d instances, want 2", got)
	}
	cfg.OnlyInstance = "globex"
	active := cfg.ActiveInstances()
	if len(active) != 1 || active[0].Name != "globex" {
		t.Errorf("ActiveInstances() with filter = %v, want [globex]", active)
	}
}

func TestBlockedExtension(t *testing.T) {
	cfg := validConfig()
	cfg.Attachments.BlockedExtensions = []string{".exe", ".BAT"}

	tests := []struct {
		file string
		want bool
	}{
		{"setup.exe", true},
		{"setup.EXE", true},
		{"run.bat", true},
		{"report.pdf", false},
		{"noextension", false},
	}
	for _, tt := range tests {
		if got := cfg.BlockedExtension(tt.file); got != tt.want {
			t.Errorf("BlockedExtension(%q) = %v, want %v", tt.file, got, tt.want)
		}
	}
}
