package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 8420
	DefaultProvider = "bedrock"
	DefaultModelID  = "global.anthropic.claude-opus-4-6-v1"
	DefaultRegion   = "us-west-2"

	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.7
	DefaultLogLevel    = "DEBUG"

	DefaultGenerationTimeout = 120 * time.Second
	DefaultGracePeriod       = 5 * time.Second
	DefaultPollInterval      = time.Second
	DefaultSendTimeout       = 5 * time.Second

	DefaultMCPConfigPath = "mcp_config.json"
	DefaultPromptsDir    = "prompts"

	envPrefix = "GHOSTTYPE_"
)

// Config is the process-wide configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Provider   string `yaml:"provider"`
	ModelID    string `yaml:"model_id"`
	AWSProfile string `yaml:"aws_profile"`
	AWSRegion  string `yaml:"aws_region"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GoogleAPIKey  string `yaml:"google_api_key"`

	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SendTimeout       time.Duration `yaml:"send_timeout"`

	MCPConfigPath string `yaml:"mcp_config_path"`
	PromptsDir    string `yaml:"prompts_dir"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Provider:          DefaultProvider,
		ModelID:           DefaultModelID,
		AWSRegion:         DefaultRegion,
		MaxTokens:         DefaultMaxTokens,
		Temperature:       DefaultTemperature,
		GenerationTimeout: DefaultGenerationTimeout,
		GracePeriod:       DefaultGracePeriod,
		PollInterval:      DefaultPollInterval,
		SendTimeout:       DefaultSendTimeout,
		MCPConfigPath:     DefaultMCPConfigPath,
		PromptsDir:        DefaultPromptsDir,
		LogLevel:          DefaultLogLevel,
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// mergeEnv applies GHOSTTYPE_* variables. AWS_PROFILE and AWS_DEFAULT_REGION
// are honored when the prefixed variables are unset.
func (c *Config) mergeEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	str("HOST", &c.Host)
	str("PROVIDER", &c.Provider)
	str("MODEL_ID", &c.ModelID)
	str("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	str("MCP_CONFIG", &c.MCPConfigPath)
	str("PROMPTS_DIR", &c.PromptsDir)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup(envPrefix + "AWS_PROFILE"); ok {
		c.AWSProfile = v
	} else if v, ok := lookup("AWS_PROFILE"); ok && c.AWSProfile == "" {
		c.AWSProfile = v
	}
	if v, ok := lookup(envPrefix + "AWS_REGION"); ok {
		c.AWSRegion = v
	} else if v, ok := lookup("AWS_DEFAULT_REGION"); ok && c.AWSRegion == DefaultRegion {
		c.AWSRegion = v
	}

	if v, ok := lookup("OPENAI_API_KEY"); ok && c.OpenAIAPIKey == "" {
		c.OpenAIAPIKey = v
	}
	if v, ok := lookup("GOOGLE_API_KEY"); ok && c.GoogleAPIKey == "" {
		c.GoogleAPIKey = v
	}

	if v, ok := lookup(envPrefix + "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", envPrefix, v, err)
		}
		c.Port = port
	}
	if v, ok := lookup(envPrefix + "MAX_TOKENS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_TOKENS %q: %w", envPrefix, v, err)
		}
		c.MaxTokens = n
	}
	if v, ok := lookup(envPrefix + "TEMPERATURE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sTEMPERATURE %q: %w", envPrefix, v, err)
		}
		c.Temperature = f
	}
	if v, ok := lookup(envPrefix + "GENERATION_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sGENERATION_TIMEOUT %q: %w", envPrefix, v, err)
		}
		c.GenerationTimeout = d
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative, got %v", c.Temperature)
	}
	if c.GenerationTimeout <= 0 || c.GracePeriod <= 0 || c.PollInterval <= 0 || c.SendTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps LogLevel onto slog levels; unknown values mean debug.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
