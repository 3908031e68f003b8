// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Scanners() ScannersConfig
	Normalizer() NormalizerConfig
	Autofix() AutofixConfig
	Orchestrator() OrchestratorConfig
	LLM() LLMModelConfig
	GitHub() GitHubConfig
	Metrics() MetricsConfig

	SetOrchestratorMaxInFlight(int)
	SetAutofixMaxAttempts(int)
}

// Config holds the entire application configuration. The exported *Cfg fields
// exist so viper can unmarshal into them; callers use the getters.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	ScannersCfg     ScannersConfig     `mapstructure:"scanners" yaml:"scanners"`
	NormalizerCfg   NormalizerConfig   `mapstructure:"normalizer" yaml:"normalizer"`
	AutofixCfg      AutofixConfig      `mapstructure:"autofix" yaml:"autofix"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	LLMCfg          LLMModelConfig     `mapstructure:"llm" yaml:"llm"`
	GitHubCfg       GitHubConfig       `mapstructure:"github" yaml:"github"`
	MetricsCfg      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Scanners() ScannersConfig         { return c.ScannersCfg }
func (c *Config) Normalizer() NormalizerConfig     { return c.NormalizerCfg }
func (c *Config) Autofix() AutofixConfig           { return c.AutofixCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) LLM() LLMModelConfig              { return c.LLMCfg }
func (c *Config) GitHub() GitHubConfig             { return c.GitHubCfg }
func (c *Config) Metrics() MetricsConfig           { return c.MetricsCfg }

// -- Setters for CLI overrides --

func (c *Config) SetOrchestratorMaxInFlight(n int) { c.OrchestratorCfg.MaxInFlight = n }
func (c *Config) SetAutofixMaxAttempts(n int)      { c.AutofixCfg.MaxAttempts = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ScannersConfig selects and tunes the external SAST tools.
type ScannersConfig struct {
	Enabled  []string          `mapstructure:"enabled" yaml:"enabled"`
	Bandit   ScannerToolConfig `mapstructure:"bandit" yaml:"bandit"`
	Semgrep  SemgrepConfig     `mapstructure:"semgrep" yaml:"semgrep"`
	Gitleaks ScannerToolConfig `mapstructure:"gitleaks" yaml:"gitleaks"`
	SARIF    SARIFConfig       `mapstructure:"sarif" yaml:"sarif"`
}

// ScannerToolConfig is shared by every tool adapter.
type ScannerToolConfig struct {
	Binary  string        `mapstructure:"binary" yaml:"binary"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SemgrepConfig adds the rule configuration passed via --config.
type SemgrepConfig struct {
	ScannerToolConfig `mapstructure:",squash" yaml:",inline"`
	Config            string `mapstructure:"config" yaml:"config"`
}

// SARIFConfig drives the generic adapter, which runs any tool that can emit SARIF.
// The placeholders {repo} and {output} are substituted in Args.
type SARIFConfig struct {
	ScannerToolConfig `mapstructure:",squash" yaml:",inline"`
	Name              string `mapstructure:"name" yaml:"name"`
}

// Tie-break policies for equal severities inside a cluster.
const (
	TieBreakFirstDiscovered = "first_discovered"
	TieBreakToolPriority    = "tool_priority"
)

// NormalizerConfig tunes category mapping and deduplication.
type NormalizerConfig struct {
	LineTolerance    int      `mapstructure:"line_tolerance" yaml:"line_tolerance"`
	SeverityTieBreak string   `mapstructure:"severity_tie_break" yaml:"severity_tie_break"`
	ToolPriority     []string `mapstructure:"tool_priority" yaml:"tool_priority"`
	CategoryMapFile  string   `mapstructure:"category_map_file" yaml:"category_map_file"`
}

// AutofixConfig holds settings for fix generation and patch validation.
type AutofixConfig struct {
	MaxAttempts            int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ContextLines           int           `mapstructure:"context_lines" yaml:"context_lines"`
	ExpandSyntax           bool          `mapstructure:"expand_syntax" yaml:"expand_syntax"`
	// Temperature overrides llm.temperature for fix generation when set.
	Temperature            *float64      `mapstructure:"temperature" yaml:"temperature,omitempty"`
	TestCommand            []string      `mapstructure:"test_command" yaml:"test_command"`
	TestTimeout            time.Duration `mapstructure:"test_timeout" yaml:"test_timeout"`
	KeepWorkspaceOnFailure bool          `mapstructure:"keep_workspace_on_failure" yaml:"keep_workspace_on_failure"`
}

// OrchestratorConfig bounds concurrency for the resolution run.
type OrchestratorConfig struct {
	MaxInFlight             int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	ScannerSlots            int           `mapstructure:"scanner_slots" yaml:"scanner_slots"`
	LLMSlots                int           `mapstructure:"llm_slots" yaml:"llm_slots"`
	RunTimeout              time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	SkipPreviouslyAttempted bool          `mapstructure:"skip_previously_attempted" yaml:"skip_previously_attempted"`
}

// LLMProvider names a supported model backend.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOllama LLMProvider = "ollama"
)

// LLMModelConfig defines the configuration for the language model.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	FastModel         string        `mapstructure:"fast_model" yaml:"fast_model"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK              int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// GitHubConfig defines the configuration for publishing resolved patches.
type GitHubConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Token       string `mapstructure:"token" yaml:"-"`
	RepoOwner   string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName    string `mapstructure:"repo_name" yaml:"repo_name"`
	BaseBranch  string `mapstructure:"base_branch" yaml:"base_branch"`
	RemoteURL   string `mapstructure:"remote_url" yaml:"remote_url"`
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
	APIBaseURL  string `mapstructure:"api_base_url" yaml:"api_base_url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "patchwright")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Scanners --
	v.SetDefault("scanners.enabled", []string{"bandit", "semgrep"})
	v.SetDefault("scanners.bandit.binary", "bandit")
	v.SetDefault("scanners.bandit.timeout", "5m")
	v.SetDefault("scanners.semgrep.binary", "semgrep")
	v.SetDefault("scanners.semgrep.timeout", "5m")
	v.SetDefault("scanners.semgrep.config", "auto")
	v.SetDefault("scanners.gitleaks.binary", "gitleaks")
	v.SetDefault("scanners.gitleaks.timeout", "5m")
	v.SetDefault("scanners.sarif.timeout", "5m")

	// -- Normalizer --
	v.SetDefault("normalizer.line_tolerance", 3)
	v.SetDefault("normalizer.severity_tie_break", TieBreakFirstDiscovered)

	// -- Autofix --
	v.SetDefault("autofix.max_attempts", 3)
	v.SetDefault("autofix.context_lines", 15)
	v.SetDefault("autofix.expand_syntax", true)
	v.SetDefault("autofix.test_timeout", "10m")
	v.SetDefault("autofix.keep_workspace_on_failure", false)

	// -- Orchestrator --
	v.SetDefault("orchestrator.max_in_flight", 4)
	v.SetDefault("orchestrator.scanner_slots", 2)
	v.SetDefault("orchestrator.llm_slots", 2)
	v.SetDefault("orchestrator.run_timeout", "0s")
	v.SetDefault("orchestrator.skip_previously_attempted", false)

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderOllama))
	v.SetDefault("llm.model", "llama2")
	v.SetDefault("llm.endpoint", "http://localhost:11434")
	v.SetDefault("llm.api_timeout", "120s")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 750)
	v.SetDefault("llm.requests_per_minute", 60.0)
	v.SetDefault("llm.burst", 1)

	// -- GitHub --
	v.SetDefault("github.enabled", false)
	v.SetDefault("github.base_branch", "main")
	v.SetDefault("github.author_name", "patchwright-bot")
	v.SetDefault("github.author_email", "patchwright@users.noreply.github.com")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("github.token", "PATCHWRIGHT_GH_TOKEN")
	_ = v.BindEnv("llm.api_key", "PATCHWRIGHT_LLM_API_KEY")
	_ = v.BindEnv("database.url", "PATCHWRIGHT_DATABASE_URL")
	_ = v.BindEnv("autofix.temperature", "PATCHWRIGHT_AUTOFIX_TEMPERATURE")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Gemini users commonly already export this one.
	if cfg.LLMCfg.Provider == ProviderGemini && cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if len(c.ScannersCfg.Enabled) == 0 {
		return fmt.Errorf("scanners.enabled must list at least one scanner")
	}
	if err := c.NormalizerCfg.Validate(); err != nil {
		return fmt.Errorf("normalizer configuration invalid: %w", err)
	}
	if err := c.AutofixCfg.Validate(); err != nil {
		return fmt.Errorf("autofix configuration invalid: %w", err)
	}
	if err := c.OrchestratorCfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.GitHubCfg.Validate(); err != nil {
		return fmt.Errorf("github configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the normalizer settings.
func (n *NormalizerConfig) Validate() error {
	if n.LineTolerance < 0 {
		return fmt.Errorf("line_tolerance must not be negative")
	}
	switch n.SeverityTieBreak {
	case TieBreakFirstDiscovered:
	case TieBreakToolPriority:
		if len(n.ToolPriority) == 0 {
			return fmt.Errorf("tool_priority is required when severity_tie_break is %q", TieBreakToolPriority)
		}
	default:
		return fmt.Errorf("unknown severity_tie_break %q", n.SeverityTieBreak)
	}
	return nil
}

// Validate checks the Autofix configuration.
func (a *AutofixConfig) Validate() error {
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be a positive integer")
	}
	if a.ContextLines < 0 {
		return fmt.Errorf("context_lines must not be negative")
	}
	if a.Temperature != nil && (*a.Temperature < 0.0 || *a.Temperature > 2.0) {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// Validate checks the orchestrator limits.
func (o *OrchestratorConfig) Validate() error {
	if o.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be a positive integer")
	}
	if o.ScannerSlots <= 0 {
		return fmt.Errorf("scanner_slots must be a positive integer")
	}
	if o.LLMSlots <= 0 {
		return fmt.Errorf("llm_slots must be a positive integer")
	}
	if o.RunTimeout < 0 {
		return fmt.Errorf("run_timeout must not be negative")
	}
	return nil
}

// Validate checks the LLM provider settings.
func (l *LLMModelConfig) Validate() error {
	switch l.Provider {
	case ProviderGemini:
		if l.APIKey == "" {
			return fmt.Errorf("api_key is required for the gemini provider. Ensure PATCHWRIGHT_LLM_API_KEY is set")
		}
	case ProviderOllama:
		if l.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the ollama provider")
		}
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	if l.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	return nil
}

// Validate checks the GitHub publishing settings.
func (g *GitHubConfig) Validate() error {
	if !g.Enabled {
		return nil
	}
	if g.RepoOwner == "" || g.RepoName == "" || g.BaseBranch == "" {
		return fmt.Errorf("repo_owner, repo_name, and base_branch are required")
	}
	if g.Token == "" {
		return fmt.Errorf("GitHub token is required but not found. Ensure PATCHWRIGHT_GH_TOKEN is set")
	}
	return nil
}
