// Package config loads deployment settings and the per-process runtime context.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "SYNCJOB"

type Config struct {
	Remote             string        `mapstructure:"remote" validate:"required"`
	RemoteBase         string        `mapstructure:"remote_base" validate:"required"`
	JobPrefix          string        `mapstructure:"job_prefix" validate:"required,max=64"`
	Rclone             RcloneConfig  `mapstructure:"rclone"`
	Slurm              SlurmConfig   `mapstructure:"slurm"`
	Mail               MailConfig    `mapstructure:"mail"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" validate:"min=1m"`
	TransientWarnAfter int           `mapstructure:"transient_warn_after" validate:"min=0"`
	MinTimeLeft        time.Duration `mapstructure:"min_time_left" validate:"min=0"`
	KillGrace          time.Duration `mapstructure:"kill_grace" validate:"min=0"`
	StateDir           string        `mapstructure:"state_dir" validate:"required"`
	LogLevel           string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type RcloneConfig struct {
	Bin   string   `mapstructure:"bin" validate:"required"`
	Flags []string `mapstructure:"flags"`
}

type SlurmConfig struct {
	Sbatch      string   `mapstructure:"sbatch" validate:"required"`
	Scontrol    string   `mapstructure:"scontrol" validate:"required"`
	ExtraArgs   []string `mapstructure:"extra_args"`
	WarnSeconds int      `mapstructure:"warn_seconds" validate:"min=0"`
	OutputDir   string   `mapstructure:"output_dir"`
}

type MailConfig struct {
	Bin string `mapstructure:"bin" validate:"required"`
}

// Error marks configuration problems. They are never retried.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return "configuration problem: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Load reads the config file (explicit path, or the first default location
// that exists), SYNCJOB_* environment variables and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) == "" {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Err: fmt.Errorf("read config %s: %w", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Err: fmt.Errorf("decode config: %w", err)}
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Remote = strings.TrimSuffix(strings.TrimSpace(cfg.Remote), ":")
	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.Slurm.OutputDir = expandHome(cfg.Slurm.OutputDir)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote", "")
	v.SetDefault("remote_base", "")
	v.SetDefault("job_prefix", "sync")
	v.SetDefault("rclone.bin", "rclone")
	v.SetDefault("rclone.flags", []string{"--stats-one-line", "--stats", "60s", "-v"})
	v.SetDefault("slurm.sbatch", "sbatch")
	v.SetDefault("slurm.scontrol", "scontrol")
	v.SetDefault("slurm.extra_args", []string{})
	v.SetDefault("slurm.warn_seconds", 300)
	v.SetDefault("slurm.output_dir", "")
	v.SetDefault("mail.bin", "mail")
	v.SetDefault("retry_delay", 15*time.Minute)
	v.SetDefault("transient_warn_after", 24)
	v.SetDefault("min_time_left", 10*time.Minute)
	v.SetDefault("kill_grace", 30*time.Second)
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("log_level", "info")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and turns validator output into remediation text.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Err: err}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return &Error{Err: errors.New(strings.Join(msgs, "; "))}
}

func describeFieldError(fe validator.FieldError) string {
	key := fieldKey(fe.StructNamespace())
	envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required (set it in the config file or %s)", key, envKey)
	case "min":
		return fmt.Sprintf("%s must be at least %s", key, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", key, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", key, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", key, fe.Tag())
	}
}

var fieldKeys = map[string]string{
	"Remote":             "remote",
	"RemoteBase":         "remote_base",
	"JobPrefix":          "job_prefix",
	"Rclone":             "rclone",
	"Slurm":              "slurm",
	"Mail":               "mail",
	"Bin":                "bin",
	"Sbatch":             "sbatch",
	"Scontrol":           "scontrol",
	"WarnSeconds":        "warn_seconds",
	"RetryDelay":         "retry_delay",
	"TransientWarnAfter": "transient_warn_after",
	"MinTimeLeft":        "min_time_left",
	"KillGrace":          "kill_grace",
	"StateDir":           "state_dir",
	"LogLevel":           "log_level",
}

// fieldKey maps "Config.Slurm.Sbatch" to "slurm.sbatch".
func fieldKey(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if k, ok := fieldKeys[p]; ok {
			parts[i] = k
		} else {
			parts[i] = strings.ToLower(p)
		}
	}
	return strings.Join(parts, ".")
}

// DefaultConfigFiles lists the config locations tried when --config is not
// given, in order.
func DefaultConfigFiles() []string {
	files := make([]string, 0, 2)
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		files = append(files, filepath.Join(xdg, "syncjob", "config.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".config", "syncjob", "config.yaml"))
	}
	return append(files, "syncjob.yaml")
}

func findConfigFile() string {
	for _, p := range DefaultConfigFiles() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func defaultStateDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return filepath.Join(xdg, "syncjob")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "syncjob")
	}
	return filepath.Join(os.TempDir(), "syncjob-state")
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
