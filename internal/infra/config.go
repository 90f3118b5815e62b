package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации сервера и hook-клиента.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Storage StorageConfig `mapstructure:"storage"`
	Emitter EmitterConfig `mapstructure:"emitter"`
	Hub     HubConfig     `mapstructure:"hub"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr: адрес для http.Server
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig описывает подключение к Redis (durable backend).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig: выбор бэкенда и политика хранения.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`         // redis, memory
	AllowFallback   bool          `mapstructure:"allow_fallback"` // redis недоступен -> memory
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RetentionDays   int           `mapstructure:"retention_days"`
	MaxAgents       int           `mapstructure:"max_agents"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Retention: окно хранения записи (TTL в Redis, возраст от created в памяти)
func (c StorageConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// EmitterConfig: настройки клиента отправки событий (hook-бинарь).
type EmitterConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst"`
}

// HubConfig: heartbeat и буферы соединений наблюдателей.
type HubConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// paths: каталоги поиска config.yaml; по умолчанию "." и "./configs".
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: EMITTER_ENDPOINT=http://... перекроет emitter.endpoint
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	// Дефолты обязательны и для AutomaticEnv: Unmarshal видит только известные viper ключи
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.driver", "redis")
	v.SetDefault("storage.allow_fallback", true)
	v.SetDefault("storage.connect_timeout", 5*time.Second)
	v.SetDefault("storage.retention_days", 30)
	v.SetDefault("storage.max_agents", 10000)
	v.SetDefault("storage.cleanup_interval", time.Hour)

	v.SetDefault("emitter.endpoint", "http://localhost:4000")
	v.SetDefault("emitter.timeout", 5*time.Second)
	v.SetDefault("emitter.max_retries", 3)
	v.SetDefault("emitter.base_delay", time.Second)
	v.SetDefault("emitter.multiplier", 2.0)
	v.SetDefault("emitter.breaker_threshold", 5)
	v.SetDefault("emitter.breaker_timeout", 30*time.Second)
	v.SetDefault("emitter.rate_limit", 50.0)
	v.SetDefault("emitter.rate_burst", 20)

	v.SetDefault("hub.heartbeat_interval", 30*time.Second)
	v.SetDefault("hub.heartbeat_timeout", 60*time.Second)
	v.SetDefault("hub.send_buffer", 256)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown storage.driver %q (want redis or memory)", c.Storage.Driver)
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("config: storage.retention_days must be positive, got %d", c.Storage.RetentionDays)
	}
	if c.Hub.HeartbeatTimeout <= c.Hub.HeartbeatInterval {
		return fmt.Errorf("config: hub.heartbeat_timeout (%s) must exceed hub.heartbeat_interval (%s)",
			c.Hub.HeartbeatTimeout, c.Hub.HeartbeatInterval)
	}
	return nil
}
