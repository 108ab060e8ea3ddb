package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Store circuit breaker.
	BreakerFailures    int
	BreakerOpenTimeout time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("CHAT_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("CHAT_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("CHAT_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("CHAT_DB_SCHEMA", "talentchat"),
		DBAutoMigrate: EnvBool("CHAT_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("CHAT_READINESS_REQUIRE_DB", false),

		BreakerFailures:    EnvInt("CHAT_STORE_BREAKER_FAILURES", 5),
		BreakerOpenTimeout: EnvDuration("CHAT_STORE_BREAKER_OPEN_TIMEOUT", 10*time.Second),

		CORSAllowedOrigins:   EnvCSV("CHAT_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"),
		CORSAllowCredentials: EnvBool("CHAT_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("CHAT_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled: EnvBool("CHAT_METRICS_ENABLED", true),
	}
}
