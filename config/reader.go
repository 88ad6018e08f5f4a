package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChatConfig - настройки чата гостей с администратором
type ChatConfig struct {
	AllowedOrigin    string        `yaml:"allowed_origin"`
	AdminDisplayName string        `yaml:"admin_display_name"`
	AdminAPIKey      string        `yaml:"admin_api_key"`
	GuestTokenSecret string        `yaml:"guest_token_secret"`
	GuestTokenTTL    time.Duration `yaml:"guest_token_ttl"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PushBuffer       int           `yaml:"push_buffer"`
	MaxBodyLength    int           `yaml:"max_body_length"`
}

type ConfigSchema struct {
	Databases struct {
		// Driver - postgres или sqlite
		Driver   string     `yaml:"driver"`
		Path     string     `yaml:"path"`
		Master   DBConfig   `yaml:"master"`
		Replicas []DBConfig `yaml:"replicas"`
	} `yaml:"db"`
	Store struct {
		// Backend - sql или redis
		Backend string `yaml:"backend"`
	} `yaml:"store"`
	Redis    RedisConfig `yaml:"redis"`
	RabbitMQ struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"rabbitmq"`
	Backend struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"backend"`
	Chat ChatConfig `yaml:"chat"`
	Logs struct {
		Level string `yaml:"level"`
	} `yaml:"logs"`
}

// LoadConfig читает YAML-конфиг, затем переменные окружения (и .env, если он есть)
func LoadConfig(filePath string) (*ConfigSchema, error) {
	_ = godotenv.Load()

	conf := &ConfigSchema{}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, conf); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", filePath, err)
			}
		}
	}

	if err := conf.applyEnv(); err != nil {
		return nil, err
	}
	conf.applyDefaults()
	return conf, conf.Validate()
}

func (c *ConfigSchema) applyEnv() error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) error {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	setString(&c.Databases.Driver, "CHAT_DB_DRIVER")
	setString(&c.Databases.Path, "CHAT_DB_PATH")
	setString(&c.Databases.Master.Host, "CHAT_DB_HOST")
	setString(&c.Databases.Master.User, "CHAT_DB_USER")
	setString(&c.Databases.Master.Password, "CHAT_DB_PASSWORD")
	setString(&c.Databases.Master.DBName, "CHAT_DB_NAME")
	setString(&c.Store.Backend, "CHAT_STORE_BACKEND")
	setString(&c.Redis.Host, "CHAT_REDIS_HOST")
	setString(&c.Redis.Password, "CHAT_REDIS_PASSWORD")
	setString(&c.RabbitMQ.URL, "RABBITMQ_URL")
	setString(&c.Chat.AllowedOrigin, "CHAT_ALLOWED_ORIGIN")
	setString(&c.Chat.GuestTokenSecret, "CHAT_GUEST_TOKEN_SECRET")
	setString(&c.Chat.AdminAPIKey, "CHAT_ADMIN_API_KEY")
	setString(&c.Logs.Level, "CHAT_LOG_LEVEL")

	if err := setInt(&c.Databases.Master.Port, "CHAT_DB_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.Redis.Port, "CHAT_REDIS_PORT"); err != nil {
		return err
	}
	return setInt(&c.Backend.Port, "CHAT_PORT")
}

func (c *ConfigSchema) applyDefaults() {
	if c.Databases.Driver == "" {
		c.Databases.Driver = "sqlite"
	}
	if c.Databases.Path == "" {
		c.Databases.Path = "chat.db"
	}
	if c.Databases.Master.Port == 0 {
		c.Databases.Master.Port = 5432
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sql"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "chat_events"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 8080
	}
	if c.Chat.AdminDisplayName == "" {
		c.Chat.AdminDisplayName = "Admin"
	}
	if c.Chat.GuestTokenTTL == 0 {
		c.Chat.GuestTokenTTL = 30 * 24 * time.Hour
	}
	if c.Chat.PollInterval == 0 {
		c.Chat.PollInterval = 5 * time.Second
	}
	if c.Chat.PushBuffer == 0 {
		c.Chat.PushBuffer = 32
	}
	if c.Chat.MaxBodyLength == 0 {
		c.Chat.MaxBodyLength = 4000
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
}

// Validate проверяет обязательные параметры
func (c *ConfigSchema) Validate() error {
	switch c.Databases.Driver {
	case "sqlite":
	case "postgres":
		if c.Databases.Master.Host == "" {
			return errors.New("master database configuration is missing")
		}
	default:
		return fmt.Errorf("unsupported db driver %q", c.Databases.Driver)
	}
	if c.Store.Backend != "sql" && c.Store.Backend != "redis" {
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Chat.GuestTokenSecret == "" {
		return errors.New("chat.guest_token_secret is required")
	}
	return nil
}

// ListenAddr возвращает адрес HTTP-сервера
func (c *ConfigSchema) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port)
}

// RedisAddr возвращает адрес Redis
func (c *ConfigSchema) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
