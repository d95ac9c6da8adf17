package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	WebConnector WebConnectorConfig `yaml:"web_connector"`
	Bitrix       BitrixConfig       `yaml:"bitrix"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Backup       BackupConfig       `yaml:"backup"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Google       GoogleConfig       `yaml:"google"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// WebConnectorConfig describes the QuickBooks Web Connector side of the bridge.
type WebConnectorConfig struct {
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Entities        []string      `yaml:"entities"`
	QBXMLVersion    string        `yaml:"qbxml_version"`
	CompanyFile     string        `yaml:"company_file"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	AppName         string        `yaml:"app_name"`
	AppURL          string        `yaml:"app_url"`
	AppDescription  string        `yaml:"app_description"`
	OwnerID         string        `yaml:"owner_id"`
	FileID          string        `yaml:"file_id"`
	RunEveryMinutes int           `yaml:"run_every_minutes"`
}

type BitrixConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
	MaxRetries int           `yaml:"max_retries"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	Currency   string        `yaml:"currency"`
}

// Configured reports whether outbound Bitrix24 calls are possible.
func (b BitrixConfig) Configured() bool {
	return b.WebhookURL != ""
}

type WebhookConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ApplicationToken string `yaml:"application_token"`
}

type APIConfig struct {
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
}

// Enabled reports whether failure alerts should be sent.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && len(t.ChatIDs) > 0
}

type GoogleConfig struct {
	CredentialsFile    string `yaml:"credentials_file"`
	AuditSpreadsheetID string `yaml:"audit_spreadsheet_id"`
	AuditSheet         string `yaml:"audit_sheet"`
}

func (g GoogleConfig) Enabled() bool {
	return g.CredentialsFile != "" && g.AuditSpreadsheetID != ""
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.WebConnector.Username == "" || c.WebConnector.Password == "" {
		return errors.New("web connector username and password are required")
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Backup.Enabled {
		if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
			return fmt.Errorf("invalid backup schedule %q: %w", c.Backup.Schedule, err)
		}
	}

	return ValidateEntities(c.WebConnector.Entities)
}

// ValidateEntities checks that every configured entity is tracked and listed once.
func ValidateEntities(entities []string) error {
	if len(entities) == 0 {
		return errors.New("at least one entity type must be configured")
	}
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if !models.IsKnownEntity(e) {
			return fmt.Errorf("unknown entity type %q", e)
		}
		if seen[e] {
			return fmt.Errorf("duplicate entity type %q", e)
		}
		seen[e] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "qbbridge"
	}
	if c.App.Version == "" {
		c.App.Version = "1.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	// Web Connector defaults
	if len(c.WebConnector.Entities) == 0 {
		c.WebConnector.Entities = append([]string(nil), models.DefaultEntities...)
	}
	if c.WebConnector.QBXMLVersion == "" {
		c.WebConnector.QBXMLVersion = models.DefaultQBXMLVersion
	}
	if c.WebConnector.SessionTTL == 0 {
		c.WebConnector.SessionTTL = models.DefaultSessionTTL * time.Second
	}
	if c.WebConnector.AppName == "" {
		c.WebConnector.AppName = "QuickBooks Bitrix24 Connector"
	}
	if c.WebConnector.RunEveryMinutes == 0 {
		c.WebConnector.RunEveryMinutes = 15
	}

	// Bitrix24 defaults
	if c.Bitrix.Timeout == 0 {
		c.Bitrix.Timeout = 30 * time.Second
	}
	if c.Bitrix.RPS == 0 {
		c.Bitrix.RPS = 2
	}
	if c.Bitrix.Burst == 0 {
		c.Bitrix.Burst = 2
	}
	if c.Bitrix.MaxRetries == 0 {
		c.Bitrix.MaxRetries = 2
	}
	if c.Bitrix.CacheTTL == 0 {
		c.Bitrix.CacheTTL = 5 * time.Minute
	}
	if c.Bitrix.Currency == "" {
		c.Bitrix.Currency = "USD"
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "0 3 * * *"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "./backups"
	}
	if c.Google.AuditSheet == "" {
		c.Google.AuditSheet = "SyncLog"
	}
}
