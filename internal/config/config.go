package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	JWT       JWTConfig
	Log       LogConfig
	Tracing   TracingConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Analysis  AnalysisConfig
	Events    EventsConfig
}

type AppConfig struct {
	Name        string
	Environment string
	Version     string
}

func (a AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host               string
	Port               int
	Name               string
	User               string
	Password           string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	SlowQueryThreshold time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode,
	)
}

// StoreConfig selects the case record store backend.
type StoreConfig struct {
	Driver string // "postgres" | "memory"
}

type JWTConfig struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
}

type LogConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	SampleRate  float64
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

type RateLimitConfig struct {
	// Global Rate limit per IP
	RequestsPerSecond float64
	BurstSize         int
	// Auth endpoints have stricter limits
	AuthRequestsPerMinute int
}

// AnalysisConfig carries the endpoints of the text and image analysis
// providers. An empty URL is a valid state: the provider reports a
// configuration failure for every call instead of failing startup.
type AnalysisConfig struct {
	TextURL    string
	TextModel  string
	TextAPIKey string

	ImageURL    string
	ImageAPIKey string

	CallTimeout    time.Duration
	MaxConcurrency int

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	// Image references resolve against UploadDir unless S3Bucket is set.
	UploadDir string
	S3Bucket  string
	S3Prefix  string
}

type EventsConfig struct {
	Brokers []string
	Topic   string
}

func (e EventsConfig) Enabled() bool {
	return len(e.Brokers) > 0 && e.Topic != ""
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("APP_NAME"),
			Environment: v.GetString("APP_ENV"),
			Version:     v.GetString("APP_VERSION"),
		},
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetInt("SERVER_PORT"),
			ReadTimeout:     v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("SERVER_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Database: DatabaseConfig{
			Host:               v.GetString("DB_HOST"),
			Port:               v.GetInt("DB_PORT"),
			Name:               v.GetString("DB_NAME"),
			User:               v.GetString("DB_USER"),
			Password:           v.GetString("DB_PASSWORD"),
			SSLMode:            v.GetString("DB_SSLMODE"),
			MaxOpenConns:       v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:       v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime:    v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime:    v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
			SlowQueryThreshold: v.GetDuration("DB_SLOW_QUERY_THRESHOLD"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("STORE_DRIVER")),
		},
		JWT: JWTConfig{
			Secret:          v.GetString("JWT_SECRET"),
			AccessTokenTTL:  v.GetDuration("JWT_ACCESS_TTL"),
			RefreshTokenTTL: v.GetDuration("JWT_REFRESH_TTL"),
			Issuer:          v.GetString("JWT_ISSUER"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			OutputPath: v.GetString("LOG_OUTPUT"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("TRACING_ENABLED"),
			ServiceName: v.GetString("TRACING_SERVICE_NAME"),
			Endpoint:    v.GetString("OTLP_ENDPOINT"),
			SampleRate:  v.GetFloat64("TRACING_SAMPLE_RATE"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			AllowedMethods: splitList(v.GetString("CORS_ALLOWED_METHODS")),
			AllowedHeaders: splitList(v.GetString("CORS_ALLOWED_HEADERS")),
			MaxAge:         v.GetDuration("CORS_MAX_AGE"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond:     v.GetFloat64("RATE_LIMIT_RPS"),
			BurstSize:             v.GetInt("RATE_LIMIT_BURST"),
			AuthRequestsPerMinute: v.GetInt("RATE_LIMIT_AUTH_RPM"),
		},
		Analysis: AnalysisConfig{
			TextURL:            strings.TrimSpace(v.GetString("MEDGEMMA_API_URL")),
			TextModel:          v.GetString("MEDGEMMA_MODEL"),
			TextAPIKey:         v.GetString("MEDGEMMA_API_KEY"),
			ImageURL:           strings.TrimSpace(v.GetString("MISTRAL_IMAGE_API_URL")),
			ImageAPIKey:        v.GetString("MISTRAL_IMAGE_API_KEY"),
			CallTimeout:        v.GetDuration("ANALYSIS_CALL_TIMEOUT"),
			MaxConcurrency:     v.GetInt("ANALYSIS_MAX_CONCURRENCY"),
			BreakerMaxFailures: v.GetUint32("ANALYSIS_BREAKER_MAX_FAILURES"),
			BreakerOpenTimeout: v.GetDuration("ANALYSIS_BREAKER_OPEN_TIMEOUT"),
			UploadDir:          v.GetString("UPLOAD_DIR"),
			S3Bucket:           v.GetString("UPLOAD_S3_BUCKET"),
			S3Prefix:           v.GetString("UPLOAD_S3_PREFIX"),
		},
		Events: EventsConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_CASE_EVENTS_TOPIC"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "medrouter")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_VERSION", "0.0.0")

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 120*time.Second) // processing waits on providers
	v.SetDefault("SERVER_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "medrouter")
	v.SetDefault("DB_USER", "medrouter")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute)
	v.SetDefault("DB_SLOW_QUERY_THRESHOLD", 200*time.Millisecond)

	v.SetDefault("STORE_DRIVER", "postgres")

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ACCESS_TTL", 15*time.Minute)
	v.SetDefault("JWT_REFRESH_TTL", 7*24*time.Hour)
	v.SetDefault("JWT_ISSUER", "medrouter-api")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_OUTPUT", "stdout")

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_SERVICE_NAME", "medrouter-api")
	v.SetDefault("OTLP_ENDPOINT", "otel-collector:4318")
	v.SetDefault("TRACING_SAMPLE_RATE", 0.1)

	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	v.SetDefault("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-ID")
	v.SetDefault("CORS_MAX_AGE", 12*time.Hour)

	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("RATE_LIMIT_AUTH_RPM", 10)

	v.SetDefault("MEDGEMMA_API_URL", "")
	v.SetDefault("MEDGEMMA_MODEL", "local-model")
	v.SetDefault("MEDGEMMA_API_KEY", "")
	v.SetDefault("MISTRAL_IMAGE_API_URL", "")
	v.SetDefault("MISTRAL_IMAGE_API_KEY", "")
	v.SetDefault("ANALYSIS_CALL_TIMEOUT", 60*time.Second)
	v.SetDefault("ANALYSIS_MAX_CONCURRENCY", 4)
	v.SetDefault("ANALYSIS_BREAKER_MAX_FAILURES", 5)
	v.SetDefault("ANALYSIS_BREAKER_OPEN_TIMEOUT", 30*time.Second)
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("UPLOAD_S3_BUCKET", "")
	v.SetDefault("UPLOAD_S3_PREFIX", "")

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_CASE_EVENTS_TOPIC", "medrouter.case-events")
}

// validate enforces production security requirements.
func validate(cfg *Config) error {
	var errs []string

	if cfg.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWT.Secret) < 32 && cfg.App.IsProduction() {
		errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
	}

	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Database.Password == "" && cfg.App.Environment != "development" {
			errs = append(errs, "DB_PASSWORD is required in non-development environments")
		}
		if cfg.Database.SSLMode == "disable" && cfg.App.IsProduction() {
			errs = append(errs, "DB_SSLMODE=disable is not allowed in production")
		}
	case "memory":
		if cfg.App.IsProduction() {
			errs = append(errs, "STORE_DRIVER=memory is not allowed in production")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER %q is not supported", cfg.Store.Driver))
	}

	if cfg.Analysis.CallTimeout <= 0 {
		errs = append(errs, "ANALYSIS_CALL_TIMEOUT must be positive")
	}
	if cfg.Analysis.MaxConcurrency < 1 {
		errs = append(errs, "ANALYSIS_MAX_CONCURRENCY must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
