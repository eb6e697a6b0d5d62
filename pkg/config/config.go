package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	AI       AIConfig       `mapstructure:"ai"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	BodyLimit     int64         `mapstructure:"body_limit"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	KeyPrefix   string `mapstructure:"key_prefix"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type QueueConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	CompletedRetention int           `mapstructure:"completed_retention"`
	FailedRetention    int           `mapstructure:"failed_retention"`
	StallInterval      time.Duration `mapstructure:"stall_interval"`
}

type AIConfig struct {
	Primary      string           `mapstructure:"primary"`
	Fallback     string           `mapstructure:"fallback"`
	SystemPrompt string           `mapstructure:"system_prompt"`
	OpenAI       OpenAIConfig     `mapstructure:"openai"`
	SelfHosted   SelfHostedConfig `mapstructure:"self_hosted"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type SelfHostedConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	SecretToken   string `mapstructure:"secret_token"`
	AllowUnsigned bool   `mapstructure:"allow_unsigned"`
}

type SlackConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	SigningSecret string `mapstructure:"signing_secret"`
	APIRoot       string `mapstructure:"api_root"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.body_limit", 1<<20)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_grace", "30s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "relay:messages")
	v.SetDefault("redis.use_in_memory", false)
	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "1s")
	v.SetDefault("queue.completed_retention", 100)
	v.SetDefault("queue.failed_retention", 20)
	v.SetDefault("queue.stall_interval", "30s")
	v.SetDefault("ai.primary", "openai")
	v.SetDefault("ai.system_prompt", "You are a helpful assistant replying inside a chat conversation. Keep answers concise.")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.openai.max_tokens", 1024)
	v.SetDefault("ai.openai.temperature", 0.7)
	v.SetDefault("ai.self_hosted.base_url", "http://localhost:11434")
	v.SetDefault("ai.self_hosted.max_tokens", 1024)
	v.SetDefault("ai.self_hosted.temperature", 0.7)
	v.SetDefault("ai.self_hosted.timeout", "60s")
	v.SetDefault("telegram.allow_unsigned", false)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if secret := v.GetString("TELEGRAM_SECRET_TOKEN"); secret != "" {
		config.Telegram.SecretToken = secret
	}

	if token := v.GetString("SLACK_BOT_TOKEN"); token != "" {
		config.Slack.BotToken = token
	}

	if secret := v.GetString("SLACK_SIGNING_SECRET"); secret != "" {
		config.Slack.SigningSecret = secret
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.AI.OpenAI.APIKey = apiKey
	}

	return &config, nil
}
