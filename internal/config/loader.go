// Package config loads the service configuration.
//
// Sources, highest precedence first: runtime overrides, UNREACT_*
// environment variables (a .env file in the working directory is read
// first), the config file, and built-in defaults.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/schema"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	schemasassets "github.com/3leaps/unreact/internal/assets/schemas"
)

const (
	// AppName names the config file, data directory, and log service.
	AppName = "unreact"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "UNREACT"
)

// Config is the decoded service configuration.
type Config struct {
	Discord  DiscordConfig  `mapstructure:"discord" json:"discord"`
	Cleaner  CleanerConfig  `mapstructure:"cleaner" json:"cleaner"`
	Registry RegistryConfig `mapstructure:"registry" json:"registry"`
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" json:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics"`
	Health   HealthConfig   `mapstructure:"health" json:"health"`
}

type DiscordConfig struct {
	// Token is the bot token. Never serialised.
	Token string `mapstructure:"token" json:"-"`

	// GuildID scopes slash command registration to one guild. Empty
	// registers global commands.
	GuildID string `mapstructure:"guild_id" json:"guild_id"`

	// AllowedHosts restricts reference URLs to these host globs.
	AllowedHosts []string `mapstructure:"allowed_hosts" json:"allowed_hosts"`

	// RateLimit caps gateway REST calls per second (0 = unlimited).
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" json:"rate_burst"`

	RegisterCommands bool `mapstructure:"register_commands" json:"register_commands"`
}

type CleanerConfig struct {
	Interval         time.Duration `mapstructure:"interval" json:"interval"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" json:"breaker_cooldown"`
	FireTimeout      time.Duration `mapstructure:"fire_timeout" json:"fire_timeout"`
}

type RegistryConfig struct {
	Path      string `mapstructure:"path" json:"path"`
	URL       string `mapstructure:"url" json:"url"`
	AuthToken string `mapstructure:"auth_token" json:"-"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" json:"enabled"`
	Host            string        `mapstructure:"host" json:"host"`
	Port            int           `mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" json:"level"`
	Profile string `mapstructure:"profile" json:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// ErrInvalidConfig wraps schema validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile makes the next Load read path instead of searching the
// default locations. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the last successfully loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Each override map is nested like the
// config file and wins over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loadDotEnv()

	v := viper.New()
	setDefaults(v)

	for _, es := range getEnvSpecs() {
		if err := v.BindEnv(es.Path, es.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", es.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.normalize()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.allowed_hosts", []string{})
	v.SetDefault("discord.rate_limit", 0)
	v.SetDefault("discord.rate_burst", 5)
	v.SetDefault("discord.register_commands", true)

	v.SetDefault("cleaner.interval", "5s")
	v.SetDefault("cleaner.breaker_threshold", 5)
	v.SetDefault("cleaner.breaker_cooldown", "1m")
	v.SetDefault("cleaner.fire_timeout", "30s")

	v.SetDefault("registry.path", DefaultRegistryPath())
	v.SetDefault("registry.url", "")
	v.SetDefault("registry.auth_token", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)
}

// DefaultRegistryPath is the registry database under the app data dir.
func DefaultRegistryPath() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "registry.db")
}

type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	pairs := map[string]string{
		"DISCORD_TOKEN":     "discord.token",
		"GUILD_ID":          "discord.guild_id",
		"ALLOWED_HOSTS":     "discord.allowed_hosts",
		"RATE_LIMIT":        "discord.rate_limit",
		"RATE_BURST":        "discord.rate_burst",
		"REGISTER_COMMANDS": "discord.register_commands",
		"CLEAN_INTERVAL":    "cleaner.interval",
		"BREAKER_THRESHOLD": "cleaner.breaker_threshold",
		"BREAKER_COOLDOWN":  "cleaner.breaker_cooldown",
		"FIRE_TIMEOUT":      "cleaner.fire_timeout",
		"DB_PATH":           "registry.path",
		"DB_URL":            "registry.url",
		"DB_AUTH_TOKEN":     "registry.auth_token",
		"SERVER_ENABLED":    "server.enabled",
		"HOST":              "server.host",
		"PORT":              "server.port",
		"READ_TIMEOUT":      "server.read_timeout",
		"WRITE_TIMEOUT":     "server.write_timeout",
		"IDLE_TIMEOUT":      "server.idle_timeout",
		"SHUTDOWN_TIMEOUT":  "server.shutdown_timeout",
		"LOG_LEVEL":         "logging.level",
		"LOG_PROFILE":       "logging.profile",
		"METRICS_ENABLED":   "metrics.enabled",
		"HEALTH_ENABLED":    "health.enabled",
	}

	specs := make([]envSpec, 0, len(pairs))
	for suffix, path := range pairs {
		specs = append(specs, envSpec{Name: EnvPrefix + "_" + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// loadDotEnv reads ./.env without overriding variables already set.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	_ = godotenv.Load(".env")
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit == "" {
		explicit = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, AppName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// flatten turns a nested override map into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	c.Registry.Path = strings.TrimSpace(c.Registry.Path)
	c.Registry.URL = strings.TrimSpace(c.Registry.URL)
	c.Discord.Token = strings.TrimSpace(c.Discord.Token)

	hosts := c.Discord.AllowedHosts[:0]
	for _, h := range c.Discord.AllowedHosts {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	c.Discord.AllowedHosts = hosts
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

func configValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ConfigSchema) == 0 {
			validatorErr = errors.New("embedded config schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ConfigSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile config schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate checks cfg against the embedded schema.
func Validate(cfg *Config) error {
	val, err := configValidator()
	if err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	diags, err := val.ValidateJSON(data)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var msgs []string
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			msgs = append(msgs, fmt.Sprintf("%s: %s", d.Pointer, d.Message))
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	return nil
}
