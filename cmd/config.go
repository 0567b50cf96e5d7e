package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"docktor/internal/pkg/inventory"
	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	"github.com/alexflint/go-arg"
	"gopkg.in/yaml.v3"
)

const (
	InventoryDocker     = "docker"
	InventoryKubernetes = "kubernetes"
	SourceTrivy         = "trivy"
	SourceECR           = "ecr"
)

type Config struct {
	ConfigFile string `arg:"--config-file,env:CONFIG_FILE" yaml:"-" help:"YAML file with configuration defaults"`

	MinNotifySeverity string `arg:"--min-notify-severity,env:MIN_NOTIFY_SEVERITY" yaml:"min_notify_severity"`
	ScanScope         string `arg:"--scan-scope,env:SCAN_SCOPE" yaml:"scan_scope" help:"ALL, COMPOSE or NAMESPACE"`
	ExcludeLabel      string `arg:"--exclude-label,env:EXCLUDE_LABEL" yaml:"exclude_label" help:"containers carrying this key=value label are not scanned"`
	OnlyRunning       bool   `arg:"--only-running,env:ONLY_RUNNING" yaml:"only_running"`
	AttachJSON        bool   `arg:"--attach-json,env:ATTACH_JSON" yaml:"attach_json"`

	Inventory      string   `arg:"--inventory,env:INVENTORY" yaml:"inventory" help:"docker or kubernetes"`
	SelfID         string   `arg:"--self-id,env:HOSTNAME" yaml:"-" help:"own container ID prefix, never scanned"`
	ComposeService string   `arg:"--compose-service,env:COMPOSE_SERVICE" yaml:"compose_service"`
	KubeConfigPath string   `arg:"--kube-config-path,env:KUBE_CONFIG_PATH" yaml:"kube_config_path"`
	Namespaces     []string `arg:"env" yaml:"namespaces"`
	SelfNamespace  string   `arg:"--pod-namespace,env:POD_NAMESPACE" yaml:"-"`

	Source          string        `arg:"--source,env:SOURCE" yaml:"source" help:"trivy or ecr"`
	TrivyBin        string        `arg:"--trivy-bin,env:TRIVY_BIN" yaml:"trivy_bin"`
	TrivyArgs       string        `arg:"--trivy-args,env:TRIVY_ARGS" yaml:"trivy_args"`
	AWSAccountID    string        `arg:"--aws-account-id,env:AWS_ACCOUNT_ID" yaml:"aws_account_id"`
	ScanConcurrency int           `arg:"-c,--scan-concurrency,env:SCAN_CONCURRENCY" yaml:"scan_concurrency"`
	ScanTimeout     time.Duration `arg:"--scan-timeout,env:SCAN_TIMEOUT" yaml:"scan_timeout"`
	Timeout         time.Duration `arg:"env" yaml:"timeout"`
	ArtifactDir     string        `arg:"--artifact-dir,env:ARTIFACT_DIR" yaml:"artifact_dir"`
	TemplateDir     string        `arg:"--template-dir,env:TEMPLATE_DIR" yaml:"template_dir"`

	SMTPConfig    `yaml:",inline"`
	SlackConfig   `yaml:",inline"`
	ArchiveConfig `yaml:",inline"`

	DatabaseURL  string `arg:"--database-url,env:DATABASE_URL" yaml:"database_url"`
	DryRun       bool   `arg:"--dry-run,env:DRY_RUN" yaml:"dry_run" help:"print the report instead of sending it"`
	LogVerbosity int    `arg:"-v,--verbosity,env:LOG_VERBOSITY" yaml:"log_verbosity"`
}

type SMTPConfig struct {
	SMTPHost   string   `arg:"--smtp-host,env:SMTP_HOST" yaml:"smtp_host"`
	SMTPPort   int      `arg:"--smtp-port,env:SMTP_PORT" yaml:"smtp_port"`
	SMTPUser   string   `arg:"--smtp-user,env:SMTP_USER" yaml:"smtp_user"`
	SMTPPass   string   `arg:"--smtp-pass,env:SMTP_PASS" yaml:"smtp_pass"`
	SMTPUseTLS bool     `arg:"--smtp-use-tls,env:SMTP_USE_TLS" yaml:"smtp_use_tls"`
	SMTPUseSSL *bool    `arg:"--smtp-use-ssl,env:SMTP_USE_SSL" yaml:"smtp_use_ssl" help:"older name of --smtp-use-tls, wins when set"`
	MailFrom   string   `arg:"--mail-from,env:MAIL_FROM" yaml:"mail_from"`
	MailTo     []string `arg:"--mail-to,env:MAIL_TO" yaml:"mail_to"`
}

// UseTLS reports whether the SMTP connection must use TLS. SMTP_USE_SSL is honoured for existing deployments.
func (c *SMTPConfig) UseTLS() bool {
	if c.SMTPUseSSL != nil {
		return *c.SMTPUseSSL
	}
	return c.SMTPUseTLS
}

type SlackConfig struct {
	SlackToken     string `arg:"--slack-token,env:SLACK_TOKEN" yaml:"slack_token"`
	SlackChannelID string `arg:"--slack-channel-id,env:SLACK_CHANNEL_ID" yaml:"slack_channel_id"`
}

type ArchiveConfig struct {
	ArchiveEndpoint  string `arg:"--archive-endpoint,env:ARCHIVE_ENDPOINT" yaml:"archive_endpoint"`
	ArchiveAccessKey string `arg:"--archive-access-key,env:ARCHIVE_ACCESS_KEY" yaml:"archive_access_key"`
	ArchiveSecretKey string `arg:"--archive-secret-key,env:ARCHIVE_SECRET_KEY" yaml:"archive_secret_key"`
	ArchiveBucket    string `arg:"--archive-bucket,env:ARCHIVE_BUCKET" yaml:"archive_bucket"`
	ArchiveUseSSL    bool   `arg:"--archive-use-ssl,env:ARCHIVE_USE_SSL" yaml:"archive_use_ssl"`
}

func DefaultConfiguration() *Config {
	return &Config{
		MinNotifySeverity: string(severity.Low),
		ScanScope:         string(inventory.ScopeAll),
		ExcludeLabel:      scanner.IgnoreLabel + "=true",
		OnlyRunning:       true,
		AttachJSON:        true,
		Inventory:         InventoryDocker,
		ComposeService:    "docktor",
		Namespaces:        []string{""}, // The empty string is used to list pods from all namespaces
		Source:            SourceTrivy,
		TrivyBin:          "trivy",
		TrivyArgs:         "--severity HIGH,CRITICAL --ignore-unfixed --timeout 5m",
		ScanConcurrency:   1,
		ScanTimeout:       10 * time.Minute,
		Timeout:           time.Hour,
		ArtifactDir:       os.TempDir(),
		SMTPConfig: SMTPConfig{
			SMTPHost:   "smtp.example.com",
			SMTPPort:   587,
			SMTPUseTLS: true,
			MailFrom:   "scanner@example.com",
			MailTo:     []string{"security@example.com"},
		},
		ArchiveConfig: ArchiveConfig{ArchiveUseSSL: true},
	}
}

// Load builds the configuration from defaults, the optional YAML config file, environment variables and args, in
// increasing order of precedence.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfiguration()
	if err := parseArgs(cfg, args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		file := cfg.ConfigFile
		cfg = DefaultConfiguration()
		if err := cfg.LoadFile(file); err != nil {
			return nil, err
		}
		// Environment and args override the file.
		if err := parseArgs(cfg, args); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseArgs(cfg *Config, args []string) error {
	p, err := arg.NewParser(arg.Config{Program: "docktor"}, cfg)
	if err != nil {
		return err
	}
	err = p.Parse(args)
	if errors.Is(err, arg.ErrHelp) {
		p.WriteHelp(os.Stdout)
	}
	return err
}

// LoadFile overlays the values of a YAML config file onto cfg.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings that would otherwise silently change what gets scanned or reported.
func (cfg *Config) Validate() error {
	if _, ok := severity.Parse(cfg.MinNotifySeverity); !ok {
		return fmt.Errorf("invalid MIN_NOTIFY_SEVERITY %q (supported: %s)", cfg.MinNotifySeverity, levelNames())
	}
	if _, err := inventory.ParseScope(cfg.ScanScope); err != nil {
		return err
	}
	if _, err := scanner.ParseExclusionRule(cfg.ExcludeLabel); err != nil {
		return err
	}
	switch cfg.Inventory {
	case InventoryDocker, InventoryKubernetes:
	default:
		return fmt.Errorf("unknown inventory %q (supported: %s, %s)", cfg.Inventory, InventoryDocker, InventoryKubernetes)
	}
	switch cfg.Source {
	case SourceTrivy:
	case SourceECR:
		if cfg.AWSAccountID == "" {
			return errors.New("the ecr source requires AWS_ACCOUNT_ID")
		}
	default:
		return fmt.Errorf("unknown vulnerability source %q (supported: %s, %s)", cfg.Source, SourceTrivy, SourceECR)
	}
	if cfg.ScanConcurrency < 1 {
		return fmt.Errorf("scan concurrency must be at least 1, got %d", cfg.ScanConcurrency)
	}
	if cfg.SlackToken != "" && cfg.SlackChannelID == "" {
		return errors.New("SLACK_TOKEN is set but SLACK_CHANNEL_ID is not")
	}
	return nil
}

// Threshold returns the minimum severity that triggers a notification.
func (cfg *Config) Threshold() severity.Level {
	return severity.Normalize(cfg.MinNotifySeverity)
}

// Scope returns the validated scan scope.
func (cfg *Config) Scope() inventory.Scope {
	scope, _ := inventory.ParseScope(cfg.ScanScope)
	return scope
}

// ExclusionRule returns the validated container exclusion rule.
func (cfg *Config) ExclusionRule() scanner.ExclusionRule {
	rule, _ := scanner.ParseExclusionRule(cfg.ExcludeLabel)
	return rule
}

// InventoryOptions returns the container inventory options.
func (cfg *Config) InventoryOptions() inventory.Options {
	return inventory.Options{
		OnlyRunning:    cfg.OnlyRunning,
		Scope:          cfg.Scope(),
		SelfID:         cfg.SelfID,
		ComposeService: cfg.ComposeService,
		Namespaces:     cfg.Namespaces,
		SelfNamespace:  cfg.SelfNamespace,
	}
}

func levelNames() string {
	names := make([]string, len(severity.Order))
	for i, l := range severity.Order {
		names[i] = string(l)
	}
	return strings.Join(names, ", ")
}
