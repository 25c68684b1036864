package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Model   ModelConfig   `mapstructure:"model"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Client  ClientConfig  `mapstructure:"client"`
	Storage StorageConfig `mapstructure:"storage"`
	Page    PageConfig    `mapstructure:"page"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MiddlewareTimeout time.Duration `mapstructure:"middleware_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ModelConfig controls the model session owned by the daemon.
type ModelConfig struct {
	Backend              string        `mapstructure:"backend"`
	SerializeGenerations bool          `mapstructure:"serialize_generations"`
	SyntheticChunkDelay  time.Duration `mapstructure:"synthetic_chunk_delay"`
	GenerationTimeout    time.Duration `mapstructure:"generation_timeout"`
	InitOnStartup        bool          `mapstructure:"init_on_startup"`
}

type LLMConfig struct {
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	DeepSeek  DeepSeekConfig  `mapstructure:"deepseek"`
}

type OllamaConfig struct {
	Host            string  `mapstructure:"host"`
	DefaultModel    string  `mapstructure:"default_model"`
	SummarizerModel string  `mapstructure:"summarizer_model"`
	MaxTemperature  float64 `mapstructure:"max_temperature"`
	AutoPull        bool    `mapstructure:"auto_pull"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type DeepSeekConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type RelayConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// PingPeriod is derived from PongWait the way gorilla's examples do it.
func (c RelayConfig) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// ClientConfig is read by the terminal client.
type ClientConfig struct {
	ServerURL  string        `mapstructure:"server_url"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Driver           string         `mapstructure:"driver"`
	EncryptionSecret string         `mapstructure:"encryption_secret"`
	SQLite           SQLiteConfig   `mapstructure:"sqlite"`
	MySQL            MySQLConfig    `mapstructure:"mysql"`
	Database         DatabaseConfig `mapstructure:"database"`
	Redis            RedisConfig    `mapstructure:"redis"`
	Mongo            MongoConfig    `mapstructure:"mongo"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type PageConfig struct {
	MaxLength        int           `mapstructure:"max_length"`
	TruncationMarker string        `mapstructure:"truncation_marker"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

type AuthConfig struct {
	SharedSecret string        `mapstructure:"shared_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level        string        `mapstructure:"level"`
	Format       string        `mapstructure:"format"`
	File         string        `mapstructure:"file"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s") // streams are long-lived
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.middleware_timeout", "5m")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Model
	v.SetDefault("model.backend", "ollama")
	v.SetDefault("model.serialize_generations", true)
	v.SetDefault("model.synthetic_chunk_delay", "10ms")
	v.SetDefault("model.generation_timeout", "0s")
	v.SetDefault("model.init_on_startup", true)

	// LLM
	v.SetDefault("llm.ollama.host", "http://localhost:11434")
	v.SetDefault("llm.ollama.default_model", "llama3.2")
	v.SetDefault("llm.ollama.max_temperature", 2.0)
	v.SetDefault("llm.ollama.auto_pull", true)
	v.SetDefault("llm.gemini.model", "gemini-1.5-flash")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.anthropic.model", "claude-3-haiku-20240307")
	v.SetDefault("llm.deepseek.model", "deepseek-chat")

	// Relay
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.write_wait", "10s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.reconnect_delay", "1s")
	v.SetDefault("relay.max_message_size", 1<<20)

	// Client
	v.SetDefault("client.server_url", "http://127.0.0.1:8787")
	v.SetDefault("client.retry_delay", "30s")
	v.SetDefault("client.timeout", "5m")

	// Storage
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", defaultSQLitePath())
	v.SetDefault("storage.mysql.host", "localhost")
	v.SetDefault("storage.mysql.port", 3306)
	v.SetDefault("storage.mysql.user", "pagemind")
	v.SetDefault("storage.mysql.database", "pagemind")
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.user", "pagemind")
	v.SetDefault("storage.database.database", "pagemind")
	v.SetDefault("storage.database.ssl_mode", "disable")
	v.SetDefault("storage.database.max_conns", 4)
	v.SetDefault("storage.database.min_conns", 1)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "pagemind:")
	v.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo.database", "pagemind")
	v.SetDefault("storage.mongo.collection", "state")

	// Page
	v.SetDefault("page.max_length", 8000)
	v.SetDefault("page.truncation_marker", "...")
	v.SetDefault("page.fetch_timeout", "15s")
	v.SetDefault("page.user_agent", "pagemind/1.0")

	// Auth
	v.SetDefault("auth.token_ttl", "5m")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_age", "168h") // 7 days
	v.SetDefault("logging.rotation_time", "24h")
}

func bindEnvVars(v *viper.Viper) {
	// Storage secrets
	v.BindEnv("storage.driver", "PAGEMIND_STORAGE")
	v.BindEnv("storage.encryption_secret", "PAGEMIND_ENCRYPTION_SECRET")
	v.BindEnv("storage.database.password", "POSTGRES_PASSWORD")
	v.BindEnv("storage.mysql.password", "MYSQL_PASSWORD")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.mongo.uri", "MONGO_URI")

	// Auth
	v.BindEnv("auth.shared_secret", "PAGEMIND_SECRET")

	// Model / LLM
	v.BindEnv("model.backend", "PAGEMIND_BACKEND")
	v.BindEnv("llm.gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("llm.deepseek.api_key", "DEEPSEEK_API_KEY")
	v.BindEnv("llm.ollama.host", "OLLAMA_HOST")

	// Client
	v.BindEnv("client.server_url", "PAGEMIND_SERVER")
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pagemind.db"
	}
	return filepath.Join(dir, "pagemind", "pagemind.db")
}
