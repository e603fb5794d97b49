package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override (LEADBOT_ASSISTANT_API_KEY, ...).
const EnvPrefix = "LEADBOT_"

// Config is the root configuration for leadbot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general" envPrefix:"GENERAL_"`
	Assistant AssistantConfig `json:"assistant" yaml:"assistant" envPrefix:"ASSISTANT_"`
	Delivery  DeliveryConfig  `json:"delivery" yaml:"delivery" envPrefix:"DELIVERY_"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels" envPrefix:"CHANNELS_"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Server    ServerConfig    `json:"server" yaml:"server" envPrefix:"SERVER_"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LogFile               string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"LOG_FILE"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages" env:"MAX_CONCURRENT_MESSAGES"`
	BusBuffer             int    `json:"busBuffer" yaml:"busBuffer" env:"BUS_BUFFER"`
}

// AssistantConfig points at the OpenAI Assistants API.
type AssistantConfig struct {
	APIKey            string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" env:"API_KEY"`
	APIBase           string `json:"apiBase" yaml:"apiBase" env:"API_BASE"`
	AssistantID       string `json:"assistantId" yaml:"assistantId" env:"ID"`
	PollIntervalMs    int    `json:"pollIntervalMs" yaml:"pollIntervalMs" env:"POLL_INTERVAL_MS"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds" yaml:"runTimeoutSeconds" env:"RUN_TIMEOUT_SECONDS"`
	MaxAttempts       int    `json:"maxAttempts" yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
}

// DeliveryConfig controls segmentation and pacing of outbound replies.
type DeliveryConfig struct {
	MaxBlockChars  int     `json:"maxBlockChars" yaml:"maxBlockChars" env:"MAX_BLOCK_CHARS"`
	InitialMinMs   int     `json:"initialMinMs" yaml:"initialMinMs" env:"INITIAL_MIN_MS"`
	InitialMaxMs   int     `json:"initialMaxMs" yaml:"initialMaxMs" env:"INITIAL_MAX_MS"`
	BetweenMs      int     `json:"betweenMs" yaml:"betweenMs" env:"BETWEEN_MS"`
	SendsPerSecond float64 `json:"sendsPerSecond,omitempty" yaml:"sendsPerSecond,omitempty" env:"SENDS_PER_SECOND"`
}

type ChannelsConfig struct {
	// Active is the channel replies are delivered through and new
	// conversations are tagged with.
	Active string `json:"active" yaml:"active" env:"ACTIVE"`
	// LegacyNames are former tags of the active channel still found on
	// stored conversations.
	LegacyNames []string       `json:"legacyNames,omitempty" yaml:"legacyNames,omitempty"`
	WhatsApp    WhatsAppConfig `json:"whatsapp" yaml:"whatsapp" envPrefix:"WHATSAPP_"`
	Gateway     GatewayConfig  `json:"gateway" yaml:"gateway" envPrefix:"GATEWAY_"`
	Telegram    TelegramConfig `json:"telegram" yaml:"telegram" envPrefix:"TELEGRAM_"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	APIBase       string `json:"apiBase,omitempty" yaml:"apiBase,omitempty" env:"API_BASE"`
	AppSecret     string `json:"appSecret,omitempty" yaml:"appSecret,omitempty" env:"APP_SECRET"`
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty" env:"ACCESS_TOKEN"`
	VerifyToken   string `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty" env:"VERIFY_TOKEN"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty" env:"PHONE_NUMBER_ID"`
	WebhookPath   string `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty" env:"WEBHOOK_PATH"`
}

// GatewayConfig configures a WhatsApp-compatible HTTP gateway.
type GatewayConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty" env:"NAME"`
	SendURL     string `json:"sendUrl,omitempty" yaml:"sendUrl,omitempty" env:"SEND_URL"`
	APIKey      string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" env:"API_KEY"`
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty" env:"SECRET"`
	WebhookPath string `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty" env:"WEBHOOK_PATH"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Token     string         `json:"token,omitempty" yaml:"token,omitempty" env:"TOKEN"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type StorageConfig struct {
	Driver     string `json:"driver" yaml:"driver" env:"DRIVER"` // "sqlite" | "postgres"
	DBPath     string `json:"dbPath,omitempty" yaml:"dbPath,omitempty" env:"DB_PATH"`
	DSN        string `json:"dsn,omitempty" yaml:"dsn,omitempty" env:"DSN"`
	MaxHistory int    `json:"maxHistory" yaml:"maxHistory" env:"MAX_HISTORY"`
}

type ServerConfig struct {
	Host        string `json:"host" yaml:"host" env:"HOST"`
	Port        int    `json:"port" yaml:"port" env:"PORT"`
	MetricsPath string `json:"metricsPath" yaml:"metricsPath" env:"METRICS_PATH"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory (~/.leadbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leadbot"
	}
	return filepath.Join(home, ".leadbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file (by extension), applies .env,
// ${VAR} expansion and LEADBOT_* overrides, then validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// A .env next to the config file feeds both expansion and overrides.
	// Variables already set in the environment win.
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot read .env: %w", err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides cfg fields from LEADBOT_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
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
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or indented JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// KnownChannels are the channel names Channels.Active may take.
var KnownChannels = []string{"whatsapp", "gateway", "telegram", "console"}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	if cfg.Delivery.MaxBlockChars < 1 || cfg.Delivery.MaxBlockChars > 4096 {
		errs = append(errs, "delivery.maxBlockChars must be between 1 and 4096")
	}
	if cfg.Delivery.InitialMinMs < 0 || cfg.Delivery.InitialMaxMs < cfg.Delivery.InitialMinMs {
		errs = append(errs, "delivery.initialMinMs must be >= 0 and <= delivery.initialMaxMs")
	}
	if cfg.Delivery.BetweenMs < 0 {
		errs = append(errs, "delivery.betweenMs must be >= 0")
	}
	if cfg.Delivery.SendsPerSecond < 0 {
		errs = append(errs, "delivery.sendsPerSecond must be >= 0")
	}

	if cfg.Assistant.PollIntervalMs < 1 {
		errs = append(errs, "assistant.pollIntervalMs must be >= 1")
	}
	if cfg.Assistant.RunTimeoutSeconds < 1 {
		errs = append(errs, "assistant.runTimeoutSeconds must be >= 1")
	}
	if cfg.Assistant.MaxAttempts < 1 || cfg.Assistant.MaxAttempts > 10 {
		errs = append(errs, "assistant.maxAttempts must be between 1 and 10")
	}

	known := false
	for _, name := range KnownChannels {
		if cfg.Channels.Active == name {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Sprintf("channels.active must be one of: %s", strings.Join(KnownChannels, ", ")))
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.dbPath is required for sqlite")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for postgres")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}
	if cfg.Storage.MaxHistory < 1 {
		errs = append(errs, "storage.maxHistory must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
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
