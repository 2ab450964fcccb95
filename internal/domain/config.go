package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Config represents the engine configuration.
// Fields are ordered to minimize memory padding.
type Config struct {
	Warnings   []string         `toml:"-"`
	Store      StoreConfig      `toml:"store"`
	Admission  AdmissionConfig  `toml:"admission"`
	Execution  ExecutionConfig  `toml:"execution"`
	Validation ValidationConfig `toml:"validation"`
	Publish    PublishConfig    `toml:"publish"`
	Events     EventsConfig     `toml:"events"`
	Log        LogConfig        `toml:"log"`
	HTTP       HTTPConfig       `toml:"http"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
}

// StoreConfig holds Task Record Store settings from [store] section.
// Fields are ordered to minimize memory padding.
type StoreConfig struct {
	Endpoints   []string `toml:"endpoints,omitempty"` // etcd endpoints
	Backend     string   `toml:"backend"`             // "etcd" or "json"
	Prefix      string   `toml:"prefix"`              // Key prefix (etcd)
	Path        string   `toml:"path,omitempty"`      // Data directory (json)
	DialTimeout Duration `toml:"dial_timeout"`
}

// ReconcilerConfig holds control loop settings from [reconciler] section.
type ReconcilerConfig struct {
	PollInterval   Duration `toml:"poll_interval"`   // Execution monitor poll period
	ReconnectDelay Duration `toml:"reconnect_delay"` // Wait before re-subscribing after a watch failure
	Partitions     int      `toml:"partitions"`      // Size of the reconciler pool
	Partition      int      `toml:"partition"`       // This instance's index in the pool
}

// AdmissionConfig holds admission settings from [admission] section.
// Fields are ordered to minimize memory padding.
type AdmissionConfig struct {
	RateLimit              RateLimitConfig `toml:"rate_limit"`
	MaxInstructionBytes    int             `toml:"max_instruction_bytes"`
	MaxDeadlineSeconds     int             `toml:"max_deadline_seconds"`
	DefaultDeadlineSeconds int             `toml:"default_deadline_seconds"`
}

// RateLimitConfig holds submission rate limit settings from [admission.rate_limit].
// The limiter is disabled when RedisURL is empty or Limit is zero.
type RateLimitConfig struct {
	RedisURL string   `toml:"redis_url,omitempty"`
	Window   Duration `toml:"window"`
	Limit    int      `toml:"limit"`
}

// Enabled reports whether rate limiting is configured.
func (c RateLimitConfig) Enabled() bool {
	return c.RedisURL != "" && c.Limit > 0
}

// ExecutionConfig holds execution backend settings from [execution] section.
// Fields are ordered to minimize memory padding.
type ExecutionConfig struct {
	Backend      string   `toml:"backend"`       // "process"
	WorkDir      string   `toml:"work_dir"`      // Root of unit workspaces
	AgentCommand string   `toml:"agent_command"` // Shell command run inside the workspace
	GracePeriod  Duration `toml:"grace_period"`  // SIGTERM to SIGKILL delay
	LogTailBytes int      `toml:"log_tail_bytes"`
}

// CheckConfig declares one validation check.
type CheckConfig struct {
	Name    string `toml:"name" json:"name"`
	Command string `toml:"command" json:"command"`
}

// ValidationConfig holds gate settings from [validation] section.
type ValidationConfig struct {
	Checks       []CheckConfig `toml:"checks,omitempty"`
	CheckTimeout Duration      `toml:"check_timeout"`
}

// PublishConfig holds pull-request settings from [publish] section.
type PublishConfig struct {
	Provider     string `toml:"provider"`            // "github"
	Remote       string `toml:"remote"`              // Git remote name to push to
	TokenEnv     string `toml:"token_env,omitempty"` // Environment variable holding the hosting token
	BranchPrefix string `toml:"branch_prefix"`       // Prefix of work branches
	Draft        bool   `toml:"draft,omitempty"`     // Open pull requests as drafts
}

// EventsConfig holds lifecycle event settings from [events] section.
// Events are disabled when no brokers are configured.
type EventsConfig struct {
	Brokers []string `toml:"kafka_brokers,omitempty"`
	Topic   string   `toml:"topic"`
}

// HTTPConfig holds HTTP façade settings from [http] section.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig holds logging settings from [log] section.
type LogConfig struct {
	Level  string `toml:"level"`         // Log level: debug, info, warn, error
	Format string `toml:"format"`        // "text" or "json"
	Dir    string `toml:"dir,omitempty"` // Per-task log directory (empty = no files)
}

// RepoChecks is the layout of a repository's own check file.
type RepoChecks struct {
	Checks []CheckConfig `toml:"checks"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default configuration values.
const (
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultStoreBackend        = "json"
	DefaultStorePrefix         = "/crewd"
	DefaultPollInterval        = 5 * time.Second
	DefaultReconnectDelay      = 3 * time.Second
	DefaultDialTimeout         = 5 * time.Second
	DefaultGracePeriod         = 10 * time.Second
	DefaultCheckTimeout        = 10 * time.Minute
	DefaultRateLimitWindow     = time.Minute
	DefaultMaxInstructionBytes = 32 * 1024
	DefaultMaxDeadlineSeconds  = 3600
	DefaultDeadlineSeconds     = 1800
	DefaultBranchPrefix        = "crewd/"
	DefaultRemote              = "origin"
	DefaultEventsTopic         = "crewd.task-lifecycle"
	DefaultHTTPAddr            = ":8080"
	DefaultAgentCommand        = `claude -p "$CREWD_INSTRUCTIONS"`
	DefaultRepositoryBranch    = "main"
	DefaultExecutionBackend    = "process"
	DefaultPublishProvider     = "github"
)

// File and directory names for crewd.
const (
	AppDirName          = "crewd"       // Directory name under XDG dirs
	ConfigFileName      = "config.toml" // Global config file name
	LocalConfigFileName = "crewd.toml"  // Config file name in the working directory
	RepoChecksFileName  = ".crewd.toml" // Check definitions in a target repository
)

// GlobalConfigDir returns the global config directory path.
// configHome is typically XDG_CONFIG_HOME or ~/.config (resolved by caller).
func GlobalConfigDir(configHome string) string {
	return filepath.Join(configHome, AppDirName)
}

// GlobalConfigPath returns the global config path.
// configHome is typically XDG_CONFIG_HOME or ~/.config (resolved by caller).
func GlobalConfigPath(configHome string) string {
	return filepath.Join(GlobalConfigDir(configHome), ConfigFileName)
}

// RepoChecksPath returns the path of a workspace's check file.
func RepoChecksPath(workspace string) string {
	return filepath.Join(workspace, RepoChecksFileName)
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:     DefaultStoreBackend,
			Prefix:      DefaultStorePrefix,
			DialTimeout: Duration{DefaultDialTimeout},
		},
		Reconciler: ReconcilerConfig{
			PollInterval:   Duration{DefaultPollInterval},
			ReconnectDelay: Duration{DefaultReconnectDelay},
			Partitions:     1,
		},
		Admission: AdmissionConfig{
			MaxInstructionBytes:    DefaultMaxInstructionBytes,
			MaxDeadlineSeconds:     DefaultMaxDeadlineSeconds,
			DefaultDeadlineSeconds: DefaultDeadlineSeconds,
			RateLimit: RateLimitConfig{
				Window: Duration{DefaultRateLimitWindow},
			},
		},
		Execution: ExecutionConfig{
			Backend:      DefaultExecutionBackend,
			AgentCommand: DefaultAgentCommand,
			GracePeriod:  Duration{DefaultGracePeriod},
			LogTailBytes: DefaultLogTailBytes,
		},
		Validation: ValidationConfig{
			CheckTimeout: Duration{DefaultCheckTimeout},
		},
		Publish: PublishConfig{
			Provider:     DefaultPublishProvider,
			Remote:       DefaultRemote,
			BranchPrefix: DefaultBranchPrefix,
		},
		Events: EventsConfig{
			Topic: DefaultEventsTopic,
		},
		HTTP: HTTPConfig{
			Addr: DefaultHTTPAddr,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Validate checks cross-field constraints after merging.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "etcd":
		if len(c.Store.Endpoints) == 0 {
			return fmt.Errorf("[store] backend etcd requires endpoints")
		}
	case "json":
	default:
		return fmt.Errorf("[store] unknown backend %q", c.Store.Backend)
	}
	if c.Reconciler.Partitions < 1 {
		return fmt.Errorf("[reconciler] partitions must be >= 1")
	}
	if c.Reconciler.Partition < 0 || c.Reconciler.Partition >= c.Reconciler.Partitions {
		return fmt.Errorf("[reconciler] partition %d out of range [0,%d)", c.Reconciler.Partition, c.Reconciler.Partitions)
	}
	if c.Reconciler.PollInterval.Duration <= 0 {
		return fmt.Errorf("[reconciler] poll_interval must be positive")
	}
	if c.Admission.MaxDeadlineSeconds < 1 || c.Admission.MaxDeadlineSeconds > DefaultMaxDeadlineSeconds {
		return fmt.Errorf("[admission] max_deadline_seconds must be in 1..%d", DefaultMaxDeadlineSeconds)
	}
	if c.Admission.DefaultDeadlineSeconds < 1 || c.Admission.DefaultDeadlineSeconds > c.Admission.MaxDeadlineSeconds {
		return fmt.Errorf("[admission] default_deadline_seconds must be in 1..%d", c.Admission.MaxDeadlineSeconds)
	}
	if c.Admission.MaxInstructionBytes < 1 {
		return fmt.Errorf("[admission] max_instruction_bytes must be positive")
	}
	for _, chk := range c.Validation.Checks {
		if chk.Name == "" || chk.Command == "" {
			return fmt.Errorf("[validation] every check needs a name and a command")
		}
	}
	if c.Publish.TokenEnv != "" && !IsValidEnvVarName(c.Publish.TokenEnv) {
		return fmt.Errorf("[publish] token_env %q is not a valid environment variable name", c.Publish.TokenEnv)
	}
	return nil
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidEnvVarName returns true if the name is a valid environment variable name.
func IsValidEnvVarName(name string) bool {
	return envNamePattern.MatchString(name)
}
