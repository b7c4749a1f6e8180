// Package runner implements the roost agent core: a long-lived control
// loop that polls the control plane for triggers under a concurrency
// budget, supervises claude subprocesses, streams their output, and drains
// gracefully on shutdown.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"roost/pkg/protocol"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Role identifies which half of the runner pair this process plays. Lead
// and worker share the runner core; they differ in default prompt,
// capabilities, and trigger semantics.
type Role string

// Role constants.
const (
	RoleWorker Role = "worker"
	RoleLead   Role = "lead"
)

// Config holds everything a Runner needs, resolved from defaults, an
// optional TOML file, and environment overrides (in that precedence).
type Config struct {
	Role            Role          `toml:"role"`
	AgentID         string        `toml:"agent_id"`
	APIURL          string        `toml:"api_url"`
	APIToken        string        `toml:"api_token"`
	MaxTasks        int           `toml:"max_tasks"`
	YOLO            bool          `toml:"yolo"`
	ShutdownTimeout time.Duration `toml:"-"` // durations decode via fileDurations
	PollInterval    time.Duration `toml:"-"`
	PollTimeout     time.Duration `toml:"-"`
	LogDir          string        `toml:"log_dir"`
	CheckpointDir   string        `toml:"checkpoint_dir"`
	DBPath          string        `toml:"db_path"`
	Model           string        `toml:"model"`
	SystemPrompt    string        `toml:"system_prompt"`

	// Capabilities and DefaultPrompt come from the role file when present.
	Capabilities  []string `toml:"capabilities"`
	DefaultPrompt string   `toml:"default_prompt"`
}

// roleFile is the YAML shape of ROOST_ROLE_FILE: per-role capability sets
// and default prompts.
type roleFile struct {
	Roles map[string]struct {
		Capabilities  []string `yaml:"capabilities"`
		DefaultPrompt string   `yaml:"default_prompt"`
	} `yaml:"roles"`
}

// LoadConfig resolves the runner configuration. Environment variables:
//   - ROOST_ROLE: lead or worker (default worker)
//   - ROOST_AGENT_ID: agent identifier (default <role>-<short uuid>)
//   - ROOST_API_URL, ROOST_API_TOKEN: control plane endpoint (required)
//   - ROOST_MAX_TASKS: concurrent task budget (default 1)
//   - ROOST_YOLO: continue past subprocess failures (default false)
//   - ROOST_SHUTDOWN_TIMEOUT, ROOST_POLL_INTERVAL, ROOST_POLL_TIMEOUT: durations
//   - ROOST_LOG_DIR, ROOST_CHECKPOINT_DIR, ROOST_DB_PATH: state paths
//     (default under ~/.roost)
//   - ROOST_MODEL: claude model flag
//   - ROOST_SYSTEM_PROMPT / ROOST_SYSTEM_PROMPT_FILE: system prompt append
//   - ROOST_CONFIG: optional TOML file providing any of the above
//   - ROOST_ROLE_FILE: optional YAML file with per-role capabilities/prompt
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("ROOST_CONFIG"); path != "" {
		if err := applyConfigFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if path := os.Getenv("ROOST_ROLE_FILE"); path != "" {
		if err := applyRoleFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if cfg.AgentID == "" {
		cfg.AgentID = fmt.Sprintf("%s-%s", cfg.Role, uuid.NewString()[:8])
	}
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = defaultPromptFor(cfg.Role)
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = defaultCapabilitiesFor(cfg.Role)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	home, err := os.UserHomeDir()
	base := ".roost"
	if err == nil {
		base = filepath.Join(home, ".roost")
	}
	return &Config{
		Role:            RoleWorker,
		MaxTasks:        protocol.DefaultMaxConcurrent,
		ShutdownTimeout: protocol.DefaultShutdownTimeout,
		PollInterval:    protocol.DefaultPollInterval,
		PollTimeout:     protocol.DefaultPollTimeout,
		LogDir:          filepath.Join(base, "logs"),
		CheckpointDir:   filepath.Join(base, "checkpoints"),
		DBPath:          filepath.Join(base, "state.db"),
		Model:           protocol.DefaultModel,
	}
}

// fileDurations carries the config file's duration keys as strings, since
// TOML has no duration type.
type fileDurations struct {
	ShutdownTimeout string `toml:"shutdown_timeout"`
	PollInterval    string `toml:"poll_interval"`
	PollTimeout     string `toml:"poll_timeout"`
}

func applyConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var fd fileDurations
	if err := toml.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	parse := func(key, val string, dst *time.Duration) error {
		if val == "" {
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s in %s must be a duration like 30s, got %q", key, path, val)
		}
		*dst = d
		return nil
	}
	if err := parse("shutdown_timeout", fd.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := parse("poll_interval", fd.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}
	return parse("poll_timeout", fd.PollTimeout, &cfg.PollTimeout)
}

func applyRoleFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied role file
	if err != nil {
		return fmt.Errorf("read role file %s: %w", path, err)
	}
	var rf roleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("parse role file %s: %w", path, err)
	}
	role, ok := rf.Roles[string(cfg.Role)]
	if !ok {
		return nil
	}
	if len(role.Capabilities) > 0 {
		cfg.Capabilities = role.Capabilities
	}
	if role.DefaultPrompt != "" {
		cfg.DefaultPrompt = role.DefaultPrompt
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ROOST_ROLE"); v != "" {
		switch Role(v) {
		case RoleWorker, RoleLead:
			cfg.Role = Role(v)
		default:
			return fmt.Errorf("ROOST_ROLE must be %q or %q, got %q", RoleWorker, RoleLead, v)
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("ROOST_AGENT_ID", &cfg.AgentID)
	setString("ROOST_API_URL", &cfg.APIURL)
	setString("ROOST_API_TOKEN", &cfg.APIToken)
	setString("ROOST_LOG_DIR", &cfg.LogDir)
	setString("ROOST_CHECKPOINT_DIR", &cfg.CheckpointDir)
	setString("ROOST_DB_PATH", &cfg.DBPath)
	setString("ROOST_MODEL", &cfg.Model)
	setString("ROOST_SYSTEM_PROMPT", &cfg.SystemPrompt)

	if v := os.Getenv("ROOST_SYSTEM_PROMPT_FILE"); v != "" {
		data, err := os.ReadFile(v) //nolint:gosec // operator-supplied prompt path
		if err != nil {
			return fmt.Errorf("read system prompt file %s: %w", v, err)
		}
		cfg.SystemPrompt = strings.TrimSpace(string(data))
	}
	if v := os.Getenv("ROOST_MAX_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("ROOST_MAX_TASKS must be a positive integer, got %q", v)
		}
		cfg.MaxTasks = n
	}
	if v := os.Getenv("ROOST_YOLO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ROOST_YOLO must be a boolean, got %q", v)
		}
		cfg.YOLO = b
	}
	setDuration := func(key string, dst *time.Duration) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s must be a duration like 30s, got %q", key, v)
		}
		*dst = d
		return nil
	}
	if err := setDuration("ROOST_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := setDuration("ROOST_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return err
	}
	return setDuration("ROOST_POLL_TIMEOUT", &cfg.PollTimeout)
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("ROOST_API_URL is required")
	}
	if c.APIToken == "" {
		return fmt.Errorf("ROOST_API_TOKEN is required")
	}
	return nil
}

// IsLead reports whether this runner registers as the lead agent.
func (c *Config) IsLead() bool {
	return c.Role == RoleLead
}

func defaultPromptFor(role Role) string {
	if role == RoleLead {
		return "Review the state of the task pool, aggregate completed work, and respond to any messages addressed to you."
	}
	return "Check the task pool and claim one unassigned task to work on."
}

func defaultCapabilitiesFor(role Role) []string {
	if role == RoleLead {
		return []string{"review", "aggregate", "message"}
	}
	return []string{"code", "test"}
}
