package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for modbot.
type Config struct {
	Telegram      TelegramConfig      `yaml:"telegram"`
	Storage       StorageConfig       `yaml:"storage"`
	Premoderation PremoderationConfig `yaml:"premoderation"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Log           LogConfig           `yaml:"log"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	WatchedChat int64  `yaml:"watchedChat"` // the monitored group; 0 = any group the bot is in
	ParseMode   string `yaml:"parseMode"`
	// Bootstrap ids allowed to run roster commands before any moderator
	// exists in the store.
	BootstrapModerators []int64 `yaml:"bootstrapModerators,omitempty"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
	// KeepResolved retains DONE records for audit instead of deleting them.
	KeepResolved bool `yaml:"keepResolved"`
}

type PremoderationConfig struct {
	// ExpireAfterHours force-declines records stuck IN_PROCESS longer than
	// this. 0 disables expiry.
	ExpireAfterHours int `yaml:"expireAfterHours"`
	// DeliveryTimeoutSeconds bounds each gateway call during fan-out.
	DeliveryTimeoutSeconds int `yaml:"deliveryTimeoutSeconds"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// DefaultConfigDir returns the default config directory (~/.modbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".modbot"
	}
	return filepath.Join(home, ".modbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Defaults() *Config {
	return &Config{
		Telegram: TelegramConfig{
			ParseMode: "Markdown",
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(DefaultConfigDir(), "modbot.db"),
		},
		Premoderation: PremoderationConfig{
			ExpireAfterHours:       24,
			DeliveryTimeoutSeconds: 10,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	switch cfg.Telegram.ParseMode {
	case "", "Markdown", "MarkdownV2", "HTML":
		// valid
	default:
		errs = append(errs, "telegram.parseMode must be one of: Markdown, MarkdownV2, HTML")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.Premoderation.ExpireAfterHours < 0 {
		errs = append(errs, "premoderation.expireAfterHours must be >= 0")
	}
	if cfg.Premoderation.DeliveryTimeoutSeconds < 1 {
		errs = append(errs, "premoderation.deliveryTimeoutSeconds must be >= 1")
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
