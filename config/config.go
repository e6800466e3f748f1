package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Tenant   TenantConfig
	Realtime RealtimeConfig
	AWS      AWSConfig
	WhatsApp WhatsAppConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated origins; "*.example.com" allows tenant subdomains, "*" allows all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/crm?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MaxIdle  time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds the shared secret of the identity provider that issues sb-access-token.
type AuthConfig struct {
	JWTSecret string
}

// TenantConfig controls tenant resolution.
type TenantConfig struct {
	RootDomain    string // e.g. example.com so that acme.example.com resolves subdomain "acme"
	LookupTimeout time.Duration
	CacheTTL      time.Duration
	SecureCookie  bool
}

// RealtimeConfig controls the relay transports.
type RealtimeConfig struct {
	SendBuffer  int
	PollTimeout time.Duration
	PollIdle    time.Duration
	UseRedis    bool // fan out through Redis so every instance (and the worker) reaches all clients
}

// AWSConfig holds AWS credentials and the media bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	MediaBucket          string
	PresignExpireMinutes int
}

// WhatsAppConfig holds WhatsApp Cloud API settings.
type WhatsAppConfig struct {
	APIBaseURL  string
	AccessToken string
	VerifyToken string // webhook handshake token
	AppSecret   string // X-Hub-Signature-256 key; empty disables signature checks
}

// WorkerConfig controls the background job processor.
type WorkerConfig struct {
	Inline bool // run the job processor inside the server process
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "crm"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MaxIdle:  time.Duration(getEnvInt("DB_MAX_CONN_IDLE_SEC", 300)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		},
		Tenant: TenantConfig{
			RootDomain:    strings.ToLower(getEnv("TENANT_ROOT_DOMAIN", "")),
			LookupTimeout: time.Duration(getEnvInt("TENANT_LOOKUP_TIMEOUT_MS", 2000)) * time.Millisecond,
			CacheTTL:      time.Duration(getEnvInt("TENANT_CACHE_TTL_SEC", 60)) * time.Second,
			SecureCookie:  getEnvBool("TENANT_COOKIE_SECURE", true),
		},
		Realtime: RealtimeConfig{
			SendBuffer:  getEnvInt("REALTIME_SEND_BUFFER", 256),
			PollTimeout: time.Duration(getEnvInt("REALTIME_POLL_TIMEOUT_SEC", 25)) * time.Second,
			PollIdle:    time.Duration(getEnvInt("REALTIME_POLL_IDLE_SEC", 60)) * time.Second,
			UseRedis:    getEnvBool("REALTIME_USE_REDIS", true),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			MediaBucket:          getEnv("AWS_S3_MEDIA_BUCKET", "crm-media"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		WhatsApp: WhatsAppConfig{
			APIBaseURL:  strings.TrimRight(getEnv("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v19.0"), "/"),
			AccessToken: getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			VerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),
			AppSecret:   getEnv("WHATSAPP_APP_SECRET", ""),
		},
		Worker: WorkerConfig{
			Inline: getEnvBool("WORKER_INLINE", false),
		},
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if cfg.Tenant.LookupTimeout <= 0 {
		return nil, fmt.Errorf("TENANT_LOOKUP_TIMEOUT_MS must be positive")
	}
	return cfg, nil
}

// AllowedOrigins returns CORS origins as a slice.
func (c ServerConfig) AllowedOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
