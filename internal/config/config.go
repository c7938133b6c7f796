package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environments understood by the e-Factura API.
const (
	EnvironmentProduction = "production"
	EnvironmentTest       = "test"
)

type Config struct {
	DatabaseURL     string
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	MetricsAddr     string

	Log LogConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RabbitMQURL      string
	RabbitMQExchange string

	Efactura EfacturaConfig
	Sync     SyncConfig
	Token    TokenConfig
}

type LogConfig struct {
	Level       string
	Encoding    string
	Development bool
}

type EfacturaConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Environment  string
	BaseURL      string
	TokenURL     string
	AuthorizeURL string
	// SecretKey seals access and refresh secrets at rest (32 bytes, hex encoded).
	SecretKey string
	// AuthCode, when set, is exchanged for a token at startup.
	AuthCode string
}

type SyncConfig struct {
	JobTimeout       time.Duration
	CallTimeout      time.Duration
	MaxPages         int
	SlotInterval     time.Duration
	TestSlotInterval time.Duration
}

type TokenConfig struct {
	SweepSchedule string
	AlertDays     []int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	dbURL := v.GetString("database_url")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	env := strings.ToLower(v.GetString("efactura_environment"))
	if env != EnvironmentProduction && env != EnvironmentTest {
		return nil, fmt.Errorf("EFACTURA_ENVIRONMENT must be %q or %q, got %q", EnvironmentProduction, EnvironmentTest, env)
	}

	baseURL := v.GetString("efactura_base_url")
	if baseURL == "" {
		baseURL = "https://api.anaf.ro/prod/FCTEL/rest"
		if env == EnvironmentTest {
			baseURL = "https://api.anaf.ro/test/FCTEL/rest"
		}
	}

	return &Config{
		DatabaseURL:     dbURL,
		PollInterval:    v.GetDuration("poll_interval"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		MetricsAddr:     v.GetString("metrics_addr"),
		Log: LogConfig{
			Level:       v.GetString("log_level"),
			Encoding:    v.GetString("log_encoding"),
			Development: v.GetBool("log_development"),
		},
		RedisAddr:        v.GetString("redis_addr"),
		RedisPassword:    v.GetString("redis_password"),
		RedisDB:          v.GetInt("redis_db"),
		RabbitMQURL:      v.GetString("rabbitmq_url"),
		RabbitMQExchange: v.GetString("rabbitmq_exchange"),
		Efactura: EfacturaConfig{
			ClientID:     v.GetString("efactura_client_id"),
			ClientSecret: v.GetString("efactura_client_secret"),
			RedirectURI:  v.GetString("efactura_redirect_uri"),
			Environment:  env,
			BaseURL:      strings.TrimRight(baseURL, "/"),
			TokenURL:     v.GetString("efactura_token_url"),
			AuthorizeURL: v.GetString("efactura_authorize_url"),
			SecretKey:    v.GetString("efactura_secret_key"),
			AuthCode:     v.GetString("efactura_auth_code"),
		},
		Sync: SyncConfig{
			JobTimeout:       v.GetDuration("sync_job_timeout"),
			CallTimeout:      v.GetDuration("sync_call_timeout"),
			MaxPages:         v.GetInt("sync_max_pages"),
			SlotInterval:     v.GetDuration("sync_slot_interval"),
			TestSlotInterval: v.GetDuration("sync_test_slot_interval"),
		},
		Token: TokenConfig{
			SweepSchedule: v.GetString("token_sweep_schedule"),
			AlertDays:     v.GetIntSlice("token_alert_days"),
		},
	}, nil
}

// IsTest reports whether the worker talks to the authority's test environment.
func (c *Config) IsTest() bool {
	return c.Efactura.Environment == EnvironmentTest
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval", "10s")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("metrics_addr", ":9090")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "json")
	v.SetDefault("log_development", false)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("rabbitmq_exchange", "efactura.topic")

	v.SetDefault("efactura_environment", EnvironmentProduction)
	v.SetDefault("efactura_token_url", "https://logincert.anaf.ro/anaf-oauth2/v1/token")
	v.SetDefault("efactura_authorize_url", "https://logincert.anaf.ro/anaf-oauth2/v1/authorize")

	v.SetDefault("sync_job_timeout", "1h")
	v.SetDefault("sync_call_timeout", "30s")
	v.SetDefault("sync_max_pages", 100)
	v.SetDefault("sync_slot_interval", "4s")
	v.SetDefault("sync_test_slot_interval", "10s")

	v.SetDefault("token_sweep_schedule", "0 0 * * * *")
	v.SetDefault("token_alert_days", []int{30, 7, 1})
}
