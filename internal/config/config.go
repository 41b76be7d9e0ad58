package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Допустимые значения STORE_DRIVER
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Допустимые значения ITEM_VALIDATION
const (
	ItemValidationTrust   = "trust"
	ItemValidationCatalog = "catalog"
)

// Config структура конфигурации
type Config struct {
	AppEnv           string        `env:"APP_ENV" envDefault:"production"`
	HTTPAddr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	WSAddr           string        `env:"WS_ADDR" envDefault:":8081"`
	JWTSecret        string        `env:"JWT_SECRET"`
	JWTTTL           time.Duration `env:"JWT_TTL" envDefault:"24h"`
	TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN"`
	CORSOrigins      []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`

	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseConfig DatabaseConfig
	StoreConfig    StoreConfig
	TradeConfig    TradeConfig
	GatewayConfig  GatewayConfig
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string `env:"PGHOST" envDefault:"localhost"`
	Port     string `env:"PGPORT" envDefault:"5432"`
	User     string `env:"PGUSER" envDefault:"flippy_user"`
	Password string `env:"PGPASSWORD" envDefault:"flippy_pass"`
	Name     string `env:"PGDATABASE" envDefault:"flippy"`
	SSLMode  string `env:"PGSSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"PG_MAX_CONNS" envDefault:"10"`
	MinConns int32  `env:"PG_MIN_CONNS" envDefault:"2"`
}

// StoreConfig описывает хранилище сессий и сообщений
type StoreConfig struct {
	Driver       string        `env:"STORE_DRIVER" envDefault:"postgres"`
	Timeout      time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	Retries      int           `env:"STORE_RETRIES" envDefault:"3"`
	RetryBackoff time.Duration `env:"STORE_RETRY_BACKOFF" envDefault:"50ms"`
}

// TradeConfig содержит политики переговоров об обмене
type TradeConfig struct {
	ItemValidation            string `env:"ITEM_VALIDATION" envDefault:"trust"`
	AllowEditsAfterCompletion bool   `env:"ALLOW_EDITS_AFTER_COMPLETION" envDefault:"false"`
	MaxMessageLength          int    `env:"MAX_MESSAGE_LENGTH" envDefault:"4000"`
}

// GatewayConfig содержит настройки WebSocket шлюза
type GatewayConfig struct {
	SendBuffer int `env:"WS_SEND_BUFFER" envDefault:"256"`
}

// LoadConfig загружает переменные из .env и окружения
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ .env файл не найден, используем переменные окружения")
	}

	return Parse()
}

// Parse разбирает переменные окружения без чтения .env
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора переменных окружения: %w", err)
	}

	// Формируем строку подключения к базе данных, если она не задана явно
	if cfg.DatabaseURL == "" {
		db := cfg.DatabaseConfig
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			db.User, db.Password, db.Host, db.Port, db.Name, db.SSLMode)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate проверяет обязательные и перечислимые параметры
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("не задана переменная JWT_SECRET"))
	}

	switch c.StoreConfig.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("неизвестный STORE_DRIVER: %q", c.StoreConfig.Driver))
	}

	switch c.TradeConfig.ItemValidation {
	case ItemValidationTrust, ItemValidationCatalog:
	default:
		errs = append(errs, fmt.Errorf("неизвестный ITEM_VALIDATION: %q", c.TradeConfig.ItemValidation))
	}

	if c.TradeConfig.ItemValidation == ItemValidationCatalog && c.StoreConfig.Driver != StoreDriverPostgres {
		errs = append(errs, errors.New("ITEM_VALIDATION=catalog требует STORE_DRIVER=postgres"))
	}

	if c.StoreConfig.Timeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT должен быть положительным"))
	}

	if c.GatewayConfig.SendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER должен быть положительным"))
	}

	return errors.Join(errs...)
}

// IsDevelopment сообщает, запущено ли приложение в режиме разработки
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
