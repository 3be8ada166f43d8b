package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"liqbot/pkg/crypto"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config содержит всю конфигурацию приложения.
//
// Порядок применения: значения по умолчанию, затем YAML файл из
// CONFIG_FILE (если задан), затем переменные окружения и .env.
// Переменная окружения всегда важнее файла.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Security  SecurityConfig  `yaml:"security"`
	Bot       BotConfig       `yaml:"bot"`
	Cascade   CascadeConfig   `yaml:"cascade"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream    StreamConfig    `yaml:"stream"`
	Feed      FeedConfig      `yaml:"feed"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig - настройки HTTP сервера API управления
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // CORS и WebSocket
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig - настройки подключения к Postgres
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 32 байта или base64 от 32 байт
	APIToken      string `yaml:"api_token"`      // пусто - API без авторизации
}

// BotConfig - параметры движка и его фоновых задач
type BotConfig struct {
	ReceiveWindow     time.Duration `yaml:"receive_window"` // таймаут одного REST вызова
	Shards            int           `yaml:"shards"`         // 0 - по числу CPU
	ShardBuffer       int           `yaml:"shard_buffer"`
	MarkInterval      time.Duration `yaml:"mark_interval"`
	OIInterval        time.Duration `yaml:"oi_interval"`
	TradeSyncInterval time.Duration `yaml:"trade_sync_interval"`
	ProcessedTTL      time.Duration `yaml:"processed_ttl"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // полная сверка TP/SL
	OrphanInterval    time.Duration `yaml:"orphan_interval"`
	PriceTolerance    float64       `yaml:"price_tolerance"`
	StopTimeout       time.Duration `yaml:"stop_timeout"` // ожидание остановки движка

	Testnet      bool          `yaml:"testnet"`
	OneWayMode   bool          `yaml:"one_way_mode"` // по умолчанию hedge
	UserStream   bool          `yaml:"user_stream"`  // приватный поток исполнений
	PrecisionTTL time.Duration `yaml:"precision_ttl"`

	NotificationBuffer    int           `yaml:"notification_buffer"`
	NotificationRetention time.Duration `yaml:"notification_retention"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
}

// CascadeConfig - пороги детектора каскадов. Нулевое значение - порог по умолчанию.
// Задаются только через YAML.
type CascadeConfig struct {
	Window        time.Duration `yaml:"window"`
	HistoryWindow time.Duration `yaml:"history_window"`
	HistorySize   int           `yaml:"history_size"`
	CountMid      int           `yaml:"count_mid"`
	CountHigh     int           `yaml:"count_high"`
	VelocityMid   float64       `yaml:"velocity_mid"`
	VelocityHigh  float64       `yaml:"velocity_high"`
	NotionalMid   float64       `yaml:"notional_mid"`  // USDT ликвидаций в окне
	NotionalHigh  float64       `yaml:"notional_high"` // USDT ликвидаций в окне
	OIDrop1m      float64       `yaml:"oi_drop_1m"`
	OIDrop3m      float64       `yaml:"oi_drop_3m"`
	LQGood        float64       `yaml:"lq_good"`
	LQExcellent   float64       `yaml:"lq_excellent"`
	RETHigh       float64       `yaml:"ret_high"`
}

// RateLimitConfig - параметры общего лимитера REST запросов
type RateLimitConfig struct {
	MinSpacing     time.Duration `yaml:"min_spacing"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	QueueSize      int           `yaml:"queue_size"`
	CooldownBase   time.Duration `yaml:"cooldown_base"`
	CooldownMax    time.Duration `yaml:"cooldown_max"`
	BanDefault     time.Duration `yaml:"ban_default"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StreamConfig - переподключение WebSocket потоков
type StreamConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxAttempts       int           `yaml:"max_attempts"` // 0 - бесконечно
	BanMargin         time.Duration `yaml:"ban_margin"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"` // продление listen key
	EventBuffer       int           `yaml:"event_buffer"`
}

// FeedConfig - лента ликвидаций
type FeedConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Buffer          int           `yaml:"buffer"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json, text
	Output      string `yaml:"output"` // файл; пусто - stderr
	Development bool   `yaml:"development"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "liqbot",
			User:            "liqbot",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Bot: BotConfig{
			ReceiveWindow:         5 * time.Second,
			ShardBuffer:           256,
			MarkInterval:          30 * time.Second,
			OIInterval:            30 * time.Second,
			TradeSyncInterval:     time.Minute,
			ProcessedTTL:          24 * time.Hour,
			PendingTimeout:        30 * time.Second,
			ReconcileInterval:     2 * time.Minute,
			OrphanInterval:        5 * time.Second,
			PriceTolerance:        0.0005,
			StopTimeout:           30 * time.Second,
			UserStream:            true,
			PrecisionTTL:          time.Hour,
			NotificationBuffer:    256,
			NotificationRetention: 30 * 24 * time.Hour,
			CleanupInterval:       time.Hour,
		},
		RateLimit: RateLimitConfig{
			MinSpacing:     200 * time.Millisecond,
			CacheTTL:       30 * time.Second,
			QueueSize:      256,
			CooldownBase:   time.Second,
			CooldownMax:    5 * time.Minute,
			BanDefault:     2 * time.Minute,
			RequestTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			BaseDelay:         5 * time.Second,
			MaxDelay:          5 * time.Minute,
			MaxAttempts:       20,
			BanMargin:         5 * time.Second,
			ConnectTimeout:    10 * time.Second,
			PingInterval:      30 * time.Second,
			PongTimeout:       10 * time.Second,
			KeepAliveInterval: 30 * time.Minute,
			EventBuffer:       1024,
		},
		Feed: FeedConfig{
			Enabled:         true,
			Buffer:          1024,
			Retention:       24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load загружает конфигурацию: .env, YAML из CONFIG_FILE, переменные окружения
func Load() (*Config, error) {
	// .env необязателен, уже заданные переменные он не перезаписывает
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile накладывает YAML файл поверх текущих значений
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv накладывает переменные окружения; текущие значения - значения по умолчанию
func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.AllowedOrigins = getEnvAsList("SERVER_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Security.EncryptionKey = getEnv("ENCRYPTION_KEY", c.Security.EncryptionKey)
	c.Security.APIToken = getEnv("API_TOKEN", c.Security.APIToken)

	c.Bot.ReceiveWindow = getEnvAsDuration("BOT_RECEIVE_WINDOW", c.Bot.ReceiveWindow)
	c.Bot.Shards = getEnvAsInt("BOT_SHARDS", c.Bot.Shards)
	c.Bot.MarkInterval = getEnvAsDuration("BOT_MARK_INTERVAL", c.Bot.MarkInterval)
	c.Bot.OIInterval = getEnvAsDuration("BOT_OI_INTERVAL", c.Bot.OIInterval)
	c.Bot.TradeSyncInterval = getEnvAsDuration("BOT_TRADE_SYNC_INTERVAL", c.Bot.TradeSyncInterval)
	c.Bot.PendingTimeout = getEnvAsDuration("BOT_PENDING_TIMEOUT", c.Bot.PendingTimeout)
	c.Bot.ReconcileInterval = getEnvAsDuration("BOT_RECONCILE_INTERVAL", c.Bot.ReconcileInterval)
	c.Bot.StopTimeout = getEnvAsDuration("BOT_STOP_TIMEOUT", c.Bot.StopTimeout)
	c.Bot.Testnet = getEnvAsBool("BOT_TESTNET", c.Bot.Testnet)
	c.Bot.OneWayMode = getEnvAsBool("BOT_ONE_WAY_MODE", c.Bot.OneWayMode)
	c.Bot.UserStream = getEnvAsBool("BOT_USER_STREAM", c.Bot.UserStream)
	c.Bot.NotificationRetention = getEnvAsDuration("NOTIFICATION_RETENTION", c.Bot.NotificationRetention)

	c.RateLimit.MinSpacing = getEnvAsDuration("RATE_LIMIT_MIN_SPACING", c.RateLimit.MinSpacing)
	c.RateLimit.CacheTTL = getEnvAsDuration("RATE_LIMIT_CACHE_TTL", c.RateLimit.CacheTTL)
	c.RateLimit.CooldownMax = getEnvAsDuration("RATE_LIMIT_COOLDOWN_MAX", c.RateLimit.CooldownMax)

	c.Stream.BaseDelay = getEnvAsDuration("STREAM_BASE_DELAY", c.Stream.BaseDelay)
	c.Stream.MaxDelay = getEnvAsDuration("STREAM_MAX_DELAY", c.Stream.MaxDelay)
	c.Stream.MaxAttempts = getEnvAsInt("STREAM_MAX_ATTEMPTS", c.Stream.MaxAttempts)
	c.Stream.BanMargin = getEnvAsDuration("STREAM_BAN_MARGIN", c.Stream.BanMargin)
	c.Stream.KeepAliveInterval = getEnvAsDuration("STREAM_KEEPALIVE_INTERVAL", c.Stream.KeepAliveInterval)

	c.Feed.Enabled = getEnvAsBool("FEED_ENABLED", c.Feed.Enabled)
	c.Feed.URL = getEnv("FEED_URL", c.Feed.URL)
	c.Feed.Retention = getEnvAsDuration("FEED_RETENTION", c.Feed.Retention)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
	c.Logging.Development = getEnvAsBool("LOG_DEVELOPMENT", c.Logging.Development)
}

// Validate проверяет конфигурацию целиком
func (c *Config) Validate() error {
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateRanges()
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ключ нужен для расшифровки API ключей бирж
	if c.Security.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY is required for encrypting API keys")
	}
	if _, err := crypto.ParseKey(c.Security.EncryptionKey); err != nil {
		return errors.New("ENCRYPTION_KEY must be 32 bytes or base64 of 32 bytes for AES-256")
	}
	if c.Security.APIToken != "" && len(c.Security.APIToken) < 16 {
		return errors.New("API_TOKEN must be at least 16 characters")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Bot.ReceiveWindow <= 0 {
		return fmt.Errorf("BOT_RECEIVE_WINDOW must be positive, got %v", c.Bot.ReceiveWindow)
	}
	if c.Bot.Shards < 0 {
		return fmt.Errorf("BOT_SHARDS cannot be negative, got %d", c.Bot.Shards)
	}
	if c.Bot.MarkInterval <= 0 || c.Bot.ReconcileInterval <= 0 {
		return errors.New("BOT_MARK_INTERVAL and BOT_RECONCILE_INTERVAL must be positive")
	}
	if c.Bot.PriceTolerance < 0 || c.Bot.PriceTolerance >= 0.1 {
		return fmt.Errorf("price_tolerance must be in [0, 0.1), got %v", c.Bot.PriceTolerance)
	}
	if c.Bot.StopTimeout <= 0 {
		return fmt.Errorf("BOT_STOP_TIMEOUT must be positive, got %v", c.Bot.StopTimeout)
	}

	if c.RateLimit.MinSpacing < 0 {
		return fmt.Errorf("RATE_LIMIT_MIN_SPACING cannot be negative, got %v", c.RateLimit.MinSpacing)
	}
	if c.RateLimit.CooldownMax < c.RateLimit.CooldownBase {
		return errors.New("RATE_LIMIT_COOLDOWN_MAX must not be less than cooldown base")
	}

	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("STREAM_BASE_DELAY must be positive, got %v", c.Stream.BaseDelay)
	}
	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return errors.New("STREAM_MAX_DELAY must not be less than STREAM_BASE_DELAY")
	}
	if c.Stream.MaxAttempts < 0 {
		return fmt.Errorf("STREAM_MAX_ATTEMPTS cannot be negative, got %d", c.Stream.MaxAttempts)
	}
	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Addr - адрес HTTP сервера
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig - параметры CLI команд управления, работающих через API
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// LoadClient читает параметры клиента API из окружения и .env
func LoadClient() ClientConfig {
	_ = godotenv.Load()
	return ClientConfig{
		BaseURL: strings.TrimRight(getEnv("LIQBOT_API_URL", "http://localhost:8080"), "/"),
		Token:   getEnv("API_TOKEN", ""),
		Timeout: getEnvAsDuration("LIQBOT_API_TIMEOUT", 30*time.Second),
	}
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
