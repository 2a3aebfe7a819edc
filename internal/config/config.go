package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/jobwatch/internal/env"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. JOBWATCH_SESSION_NAME.
const EnvPrefix = "JOBWATCH"

// Launch modes accepted by session.launch_mode.
const (
	LaunchDirect   = "direct"
	LaunchSendKeys = "send-keys"
)

// Config is the supervision configuration. It is built once by Load and then
// passed by value to every component; nothing mutates it after startup.
type Config struct {
	Session  SessionConfig  `toml:"session" mapstructure:"session"`
	Job      JobConfig      `toml:"job" mapstructure:"job"`
	Restart  RestartConfig  `toml:"restart" mapstructure:"restart"`
	Health   HealthConfig   `toml:"health" mapstructure:"health"`
	Identity IdentityConfig `toml:"identity" mapstructure:"identity"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Control  ControlConfig  `toml:"control" mapstructure:"control"`
}

type SessionConfig struct {
	Name         string `toml:"name" mapstructure:"name"`
	Manager      string `toml:"manager" mapstructure:"manager"` // session manager executable (tmux)
	LaunchMode   string `toml:"launch_mode" mapstructure:"launch_mode"`
	CaptureLines int    `toml:"capture_lines" mapstructure:"capture_lines"` // lines emitted as diagnostics after a failed attempt
}

type JobConfig struct {
	WorkDir        string   `toml:"workdir" mapstructure:"workdir"`
	VenvPath       string   `toml:"venv" mapstructure:"venv"`
	LaunchScript   string   `toml:"launch_script" mapstructure:"launch_script"`
	Patterns       []string `toml:"patterns" mapstructure:"patterns"`
	HelperPatterns []string `toml:"helper_patterns" mapstructure:"helper_patterns"`
	Env            []string `toml:"env" mapstructure:"env"` // KEY=VALUE exported before the launch script
}

type RestartConfig struct {
	MaxAttempts     int           `toml:"max_attempts" mapstructure:"max_attempts"`
	Delay           time.Duration `toml:"delay" mapstructure:"delay"`
	CleanupSettle   time.Duration `toml:"cleanup_settle" mapstructure:"cleanup_settle"`
	SubmitSettle    time.Duration `toml:"submit_settle" mapstructure:"submit_settle"`
	ConfirmPolls    int           `toml:"confirm_polls" mapstructure:"confirm_polls"`
	ConfirmInterval time.Duration `toml:"confirm_interval" mapstructure:"confirm_interval"`
	DropCaches      bool          `toml:"drop_caches" mapstructure:"drop_caches"`
}

type HealthConfig struct {
	CheckInterval   time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	MemoryThreshold int           `toml:"memory_threshold" mapstructure:"memory_threshold"` // percent
	StaleAfter      time.Duration `toml:"stale_after" mapstructure:"stale_after"`
	CPUEpsilon      float64       `toml:"cpu_epsilon" mapstructure:"cpu_epsilon"` // percent
	RestartOnStall  bool          `toml:"restart_on_stall" mapstructure:"restart_on_stall"`
}

type IdentityConfig struct {
	File       string `toml:"file" mapstructure:"file"`
	TempDir    string `toml:"temp_dir" mapstructure:"temp_dir"`
	ResetOnP2P bool   `toml:"reset_on_p2p" mapstructure:"reset_on_p2p"`
}

type LogConfig struct {
	File       string `toml:"file" mapstructure:"file"`
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// ControlConfig enables the optional HTTP control API when Addr is set.
type ControlConfig struct {
	Addr     string `toml:"addr" mapstructure:"addr"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// DefaultJobPatterns are the entry point names the training job has shipped under.
var DefaultJobPatterns = []string{"run_trainer.py", "run_training_worker.py", "train_worker.py"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.name", "training")
	v.SetDefault("session.manager", "tmux")
	v.SetDefault("session.launch_mode", LaunchDirect)
	v.SetDefault("session.capture_lines", 50)

	v.SetDefault("job.workdir", ".")
	v.SetDefault("job.venv", "venv")
	v.SetDefault("job.launch_script", "run_training.sh")
	v.SetDefault("job.patterns", DefaultJobPatterns)
	v.SetDefault("job.helper_patterns", []string{})
	v.SetDefault("job.env", []string{})

	v.SetDefault("restart.max_attempts", 3)
	v.SetDefault("restart.delay", 30*time.Second)
	v.SetDefault("restart.cleanup_settle", 10*time.Second)
	v.SetDefault("restart.submit_settle", 30*time.Second)
	v.SetDefault("restart.confirm_polls", 12)
	v.SetDefault("restart.confirm_interval", 10*time.Second)
	v.SetDefault("restart.drop_caches", true)

	v.SetDefault("health.check_interval", 60*time.Second)
	v.SetDefault("health.memory_threshold", 90)
	v.SetDefault("health.stale_after", 300*time.Second)
	v.SetDefault("health.cpu_epsilon", 0.1)
	v.SetDefault("health.restart_on_stall", false)

	v.SetDefault("identity.file", "identity.key")
	v.SetDefault("identity.temp_dir", "tmp_identity")
	v.SetDefault("identity.reset_on_p2p", false)

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("control.addr", "")
	v.SetDefault("control.base_path", "")
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() (Config, error) { return Load("") }

// Load reads an optional TOML file at path, applies JOBWATCH_* environment
// overrides, resolves paths and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolvePaths(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// resolvePaths expands ~ and anchors relative job paths at the working directory.
func (c *Config) resolvePaths() error {
	wd, err := expand(c.Job.WorkDir)
	if err != nil {
		return err
	}
	if wd, err = filepath.Abs(wd); err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}
	c.Job.WorkDir = wd

	for _, p := range []*string{&c.Job.VenvPath, &c.Identity.File, &c.Identity.TempDir, &c.Log.File} {
		if *p == "" {
			continue
		}
		x, err := expand(*p)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(x) {
			x = filepath.Join(wd, x)
		}
		*p = filepath.Clean(x)
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.LogDir(), "jobwatch.log")
	}
	return nil
}

func expand(p string) (string, error) {
	x, err := homedir.Expand(strings.TrimSpace(p))
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return x, nil
}

// Validate checks the invariants every component relies on.
func (c Config) Validate() error {
	if c.Session.Name == "" {
		return fmt.Errorf("session.name is required")
	}
	if strings.ContainsAny(c.Session.Name, ":.") {
		return fmt.Errorf("session.name %q cannot contain ':' or '.'", c.Session.Name)
	}
	switch c.Session.LaunchMode {
	case LaunchDirect, LaunchSendKeys:
	default:
		return fmt.Errorf("unknown session.launch_mode %q", c.Session.LaunchMode)
	}
	if c.Job.LaunchScript == "" {
		return fmt.Errorf("job.launch_script is required")
	}
	if len(c.Job.Patterns) == 0 {
		return fmt.Errorf("job.patterns must list at least one pattern")
	}
	for _, p := range c.Job.Patterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("job.patterns contains an empty pattern")
		}
	}
	for _, kv := range c.Job.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || !env.ValidKey(strings.TrimSpace(k)) {
			return fmt.Errorf("job.env entry %q must be KEY=VALUE", kv)
		}
	}
	if c.Restart.MaxAttempts < 1 {
		return fmt.Errorf("restart.max_attempts must be >= 1, got %d", c.Restart.MaxAttempts)
	}
	if c.Restart.ConfirmPolls < 1 {
		return fmt.Errorf("restart.confirm_polls must be >= 1, got %d", c.Restart.ConfirmPolls)
	}
	durations := map[string]time.Duration{
		"restart.delay":            c.Restart.Delay,
		"restart.cleanup_settle":   c.Restart.CleanupSettle,
		"restart.submit_settle":    c.Restart.SubmitSettle,
		"restart.confirm_interval": c.Restart.ConfirmInterval,
		"health.check_interval":    c.Health.CheckInterval,
		"health.stale_after":       c.Health.StaleAfter,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", k, d)
		}
	}
	if c.Health.MemoryThreshold < 1 || c.Health.MemoryThreshold > 100 {
		return fmt.Errorf("health.memory_threshold must be within 1..100, got %d", c.Health.MemoryThreshold)
	}
	if c.Health.CPUEpsilon < 0 {
		return fmt.Errorf("health.cpu_epsilon must not be negative")
	}
	return nil
}

// LogDir is the logs subdirectory of the working directory.
func (c Config) LogDir() string { return filepath.Join(c.Job.WorkDir, "logs") }

// CaptureFile is where the tmux adapter keeps the latest pane snapshot.
func (c Config) CaptureFile() string { return filepath.Join(c.LogDir(), "pane_capture.txt") }

// LaunchScriptPath is the absolute path of the launch script.
func (c Config) LaunchScriptPath() string {
	if filepath.IsAbs(c.Job.LaunchScript) {
		return c.Job.LaunchScript
	}
	return filepath.Join(c.Job.WorkDir, c.Job.LaunchScript)
}

// StartupError reports a missing dependency, directory or script. It is fatal.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *StartupError) Unwrap() error { return e.Err }

var lookPath = exec.LookPath

// CheckEnvironment verifies the session manager, working directory and launch
// script, and creates the log directory if absent.
func (c Config) CheckEnvironment() error {
	if _, err := lookPath(c.Session.Manager); err != nil {
		return &StartupError{Reason: fmt.Sprintf("session manager %q not found", c.Session.Manager), Err: err}
	}
	fi, err := os.Stat(c.Job.WorkDir)
	if err != nil {
		return &StartupError{Reason: "working directory missing", Err: err}
	}
	if !fi.IsDir() {
		return &StartupError{Reason: fmt.Sprintf("working directory %s is not a directory", c.Job.WorkDir)}
	}
	if _, err := os.Stat(c.LaunchScriptPath()); err != nil {
		return &StartupError{Reason: "launch script missing", Err: err}
	}
	if err := os.MkdirAll(c.LogDir(), 0o750); err != nil {
		return &StartupError{Reason: "create log directory", Err: err}
	}
	if dir := filepath.Dir(c.Log.File); dir != c.LogDir() {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return &StartupError{Reason: "create log file directory", Err: err}
		}
	}
	return nil
}
