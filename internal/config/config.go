// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InstanceConfig describes one source Freshdesk instance.
type InstanceConfig struct {
	Name      string `yaml:"name"`
	Domain    string `yaml:"domain"` // e.g. acme.freshdesk.com
	APIKey    string `yaml:"api_key"`
	RateLimit int    `yaml:"rate_limit"` // requests per minute
	PageSize  int    `yaml:"page_size"`
}

// JiraConfig describes the target Jira instance.
type JiraConfig struct {
	URL            string `yaml:"url"`
	Email          string `yaml:"email"`
	APIToken       string `yaml:"api_token"`
	APITokenSecret string `yaml:"api_token_secret"` // AWS Secrets Manager secret name
	SecretRegion   string `yaml:"secret_region"`
	ProjectKey     string `yaml:"project_key"`
	IssueType      string `yaml:"issue_type"`
	RateLimit      int    `yaml:"rate_limit"` // requests per minute
}

// ValueTable maps a source enum value to a target value, with an optional
// default applied (and audited) when the input value is unmapped.
type ValueTable struct {
	Values  map[string]string `yaml:"values"`
	Default string            `yaml:"default"`
}

// MappingConfig holds the field mapping tables. Rules are data, not code:
// the mapper is a pure function of (entity, rule set).
type MappingConfig struct {
	Priority     ValueTable        `yaml:"priority"`
	Status       ValueTable        `yaml:"status"`
	CustomFields map[string]string `yaml:"custom_fields"`
}

// AttachmentConfig bounds what attachments are carried over. Violations
// are per-attachment failures, never per-ticket.
type AttachmentConfig struct {
	MaxSizeMB         int      `yaml:"max_size_mb"`
	BlockedExtensions []string `yaml:"blocked_extensions"`
}

// ArchiveConfig enables post-run upload of ledger files and the run
// report to S3.
type ArchiveConfig struct {
	S3Bucket  string `yaml:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix"`
	AWSRegion string `yaml:"aws_region"`

	// Optional explicit credentials; the SDK default chain is used when
	// these are empty.
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSSessionToken    string `yaml:"aws_session_token"`
}

// Policies for ticket references to a user that is not migrated and
// cannot be resolved.
const (
	MissingUserUnassigned = "unassigned"
	MissingUserSkip       = "skip"
	MissingUserCreate     = "create"
	MissingUserFallback   = "fallback"
)

// Config holds all configuration for the migration tool.
type Config struct {
	Instances []InstanceConfig `yaml:"instances"`
	Jira      JiraConfig       `yaml:"jira"`

	// Run shape
	BatchSize       int  `yaml:"batch_size"`
	MaxConcurrent   int  `yaml:"max_concurrent_requests"`
	MaxRetries      int  `yaml:"max_retries"`
	MaxUnitRetries  int  `yaml:"max_unit_retries"`
	RetryBaseMS     int  `yaml:"retry_base_ms"`
	RetryMaxMS      int  `yaml:"retry_max_ms"`
	RequestTimeout  int  `yaml:"request_timeout"` // seconds
	ContinueOnError bool `yaml:"continue_on_error"`
	DryRun          bool `yaml:"dry_run"`

	// Instance filter: when set, only this source instance is migrated.
	OnlyInstance string `yaml:"only_instance"`

	// Durable state
	CheckpointDriver string `yaml:"checkpoint_driver"` // sqlite3 or mysql
	CheckpointPath   string `yaml:"checkpoint_path"`   // sqlite file path
	CheckpointDSN    string `yaml:"checkpoint_dsn"`    // mysql DSN
	LedgerDir        string `yaml:"ledger_dir"`
	LogDir           string `yaml:"log_dir"`

	// Reference resolution
	MissingUserPolicy string `yaml:"missing_user_policy"`
	FallbackAccountID string `yaml:"fallback_account_id"`

	Mapping     MappingConfig    `yaml:"field_mapping"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Archive     ArchiveConfig    `yaml:"archive"`

	// Output control
	Debug bool `yaml:"debug"`
	Quiet bool `yaml:"quiet"`
}

// Load loads configuration from CLI flags, environment variables, and a
// YAML file. Priority: CLI flags > environment variables > YAML > defaults.
// Everything is validated up front: a run never starts on invalid config.
func Load() (*Config, error) {
	cfg := &Config{}

	configFile := flag.String("config-file", "migration-config.yaml", "Config file path (default: migration-config.yaml)")
	onlyInstance := flag.String("instance", "", "Migrate only the named source instance")
	batchSize := flag.Int("batch-size", 0, "Units per batch (default: 100)")
	maxConcurrent := flag.Int("max-concurrent", 0, "Max concurrent target requests (default: 8)")
	dryRun := flag.Bool("dry-run", false, "Run the full pipeline without target writes or checkpoint updates")
	continueOnError := flag.Bool("continue-on-error", false, "Record permanent unit failures and keep going")
	checkpointPath := flag.String("checkpoint-db", "", "SQLite checkpoint database path (default: ./data/checkpoints.db)")
	ledgerDir := flag.String("ledger-dir", "", "Reconciliation ledger directory (default: ./data/ledger)")
	logDir := flag.String("log-dir", "", "Log directory (default: /tmp)")
	s3Bucket := flag.String("s3-bucket", "", "Archive ledger and report to this S3 bucket after the run")
	debug := flag.Bool("debug", false, "Enable debug logging")
	quiet := flag.Bool("quiet", false, "Suppress the run summary footer")

	flag.Parse()

	if *configFile != "" {
		if err := loadFromYAML(cfg, *configFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	// CLI flags win.
	if *onlyInstance != "" {
		cfg.OnlyInstance = *onlyInstance
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if *maxConcurrent > 0 {
		cfg.MaxConcurrent = *maxConcurrent
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *continueOnError {
		cfg.ContinueOnError = true
	}
	if *checkpointPath != "" {
		cfg.CheckpointPath = *checkpointPath
	}
	if *ledgerDir != "" {
		cfg.LedgerDir = *ledgerDir
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *s3Bucket != "" {
		cfg.Archive.S3Bucket = *s3Bucket
	}
	if *debug {
		cfg.Debug = true
	}
	if *quiet {
		cfg.Quiet = true
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in defaults for anything left unset by the three
// configuration layers.
func (c *Config) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxUnitRetries == 0 {
		c.MaxUnitRetries = 2
	}
	if c.RetryBaseMS == 0 {
		c.RetryBaseMS = 500
	}
	if c.RetryMaxMS == 0 {
		c.RetryMaxMS = 30000
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30
	}
	if c.CheckpointDriver == "" {
		c.CheckpointDriver = "sqlite3"
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = "./data/checkpoints.db"
	}
	if c.LedgerDir == "" {
		c.LedgerDir = "./data/ledger"
	}
	if c.LogDir == "" {
		c.LogDir = "/tmp"
	}
	if c.MissingUserPolicy == "" {
		c.MissingUserPolicy = MissingUserUnassigned
	}
	if c.Jira.IssueType == "" {
		c.Jira.IssueType = "Task"
	}
	if c.Jira.RateLimit == 0 {
		c.Jira.RateLimit = 100
	}
	if c.Attachments.MaxSizeMB == 0 {
		c.Attachments.MaxSizeMB = 50
	}
	if c.Archive.S3Prefix == "" {
		c.Archive.S3Prefix = "ticket-migration"
	}
	for i := range c.Instances {
		if c.Instances[i].RateLimit == 0 {
			c.Instances[i].RateLimit = 100
		}
		if c.Instances[i].PageSize == 0 {
			c.Instances[i].PageSize = 100
		}
	}
}

// Validate checks the merged configuration. Any failure here is fatal and
// happens before any work starts.
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one source instance is required")
	}
	seen := map[string]bool{}
	for _, inst := range c.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instance name is required")
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate instance name: %s", inst.Name)
		}
		seen[inst.Name] = true
		if inst.Domain == "" {
			return fmt.Errorf("instance %s: domain is required", inst.Name)
		}
		if inst.APIKey == "" {
			return fmt.Errorf("instance %s: api_key is required", inst.Name)
		}
	}
	if c.OnlyInstance != "" && !seen[c.OnlyInstance] {
		return fmt.Errorf("unknown instance filter: %s", c.OnlyInstance)
	}
	if c.Jira.URL == "" {
		return fmt.Errorf("jira.url is required")
	}
	if c.Jira.Email == "" {
		return fmt.Errorf("jira.email is required")
	}
	if c.Jira.APIToken == "" && c.Jira.APITokenSecret == "" {
		return fmt.Errorf("jira.api_token or jira.api_token_secret is required")
	}
	if c.Jira.APITokenSecret != "" && c.Jira.SecretRegion == "" {
		return fmt.Errorf("jira.secret_region is required with jira.api_token_secret")
	}
	if c.Jira.ProjectKey == "" {
		return fmt.Errorf("jira.project_key is required")
	}
	if c.MaxConcurrent >= c.BatchSize {
		return fmt.Errorf("max_concurrent_requests (%d) must be smaller than batch_size (%d)",
			c.MaxConcurrent, c.BatchSize)
	}
	switch c.CheckpointDriver {
	case "sqlite3":
		if c.CheckpointPath == "" {
			return fmt.Errorf("checkpoint_path is required for the sqlite3 driver")
		}
	case "mysql":
		if c.CheckpointDSN == "" {
			return fmt.Errorf("checkpoint_dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported checkpoint driver: %s (must be sqlite3 or mysql)", c.CheckpointDriver)
	}
	switch c.MissingUserPolicy {
	case MissingUserUnassigned, MissingUserSkip, MissingUserCreate:
	case MissingUserFallback:
		if c.FallbackAccountID == "" {
			return fmt.Errorf("fallback_account_id is required with missing_user_policy=fallback")
		}
	default:
		return fmt.Errorf("unknown missing_user_policy: %s", c.MissingUserPolicy)
	}
	if len(c.Mapping.Priority.Values) == 0 {
		return fmt.Errorf("field_mapping.priority.values is required")
	}
	if len(c.Mapping.Status.Values) == 0 {
		return fmt.Errorf("field_mapping.status.values is required")
	}
	return nil
}

// RetryBase returns the base retry delay.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// RetryMax returns the backoff cap.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMS) * time.Millisecond
}

// CallTimeout returns the per-call deadline.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ActiveInstances returns the instances selected by the filter, or all.
func (c *Config) ActiveInstances() []InstanceConfig {
	if c.OnlyInstance == "" {
		return c.Instances
	}
	var out []InstanceConfig
	for _, inst := range c.Instances {
		if inst.Name == c.OnlyInstance {
			out = append(out, inst)
		}
	}
	return out
}

// BlockedExtension reports whether the filename carries an extension on
// the block list. Comparison is case-insensitive and includes the dot.
func (c *Config) BlockedExtension(filename string) bool {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return false
	}
	ext := strings.ToLower(filename[idx:])
	for _, blocked := range c.Attachments.BlockedExtensions {
		if strings.ToLower(blocked) == ext {
			return true
		}
	}
	return false
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(cfg *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) {
	if val := os.Getenv("TICKET_MIGRATION_JIRA_URL"); val != "" {
		cfg.Jira.URL = val
	}
	if val := os.Getenv("TICKET_MIGRATION_JIRA_EMAIL"); val != "" {
		cfg.Jira.Email = val
	}
	if val := os.Getenv("TICKET_MIGRATION_JIRA_API_TOKEN"); val != "" {
		cfg.Jira.APIToken = val
	}
	if val := os.Getenv("TICKET_MIGRATION_JIRA_PROJECT_KEY"); val != "" {
		cfg.Jira.ProjectKey = val
	}
	if val := os.Getenv("TICKET_MIGRATION_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.BatchSize = n
		}
	}
	if val := os.Getenv("TICKET_MIGRATION_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if val := os.Getenv("TICKET_MIGRATION_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxRetries = n
		}
	}
	if val := os.Getenv("TICKET_MIGRATION_CHECKPOINT_DB"); val != "" {
		cfg.CheckpointPath = val
	}
	if val := os.Getenv("TICKET_MIGRATION_CHECKPOINT_DSN"); val != "" {
		cfg.CheckpointDSN = val
	}
	if val := os.Getenv("TICKET_MIGRATION_LEDGER_DIR"); val != "" {
		cfg.LedgerDir = val
	}
	if val := os.Getenv("TICKET_MIGRATION_DRY_RUN"); val != "" {
		cfg.DryRun = val == "true" || val == "1"
	}
	if val := os.Getenv("TICKET_MIGRATION_CONTINUE_ON_ERROR"); val != "" {
		cfg.ContinueOnError = val == "true" || val == "1"
	}
	if val := os.Getenv("TICKET_MIGRATION_S3_BUCKET"); val != "" {
		cfg.Archive.S3Bucket = val
	}
	if val := os.Getenv("TICKET_MIGRATION_AWS_REGION"); val != "" {
		cfg.Archive.AWSRegion = val
	}
}
