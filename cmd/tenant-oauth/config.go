package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	oauth "github.com/giantswarm/tenant-oauth"
	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/server"
)

// settings is everything main needs besides the oauth.Config itself.
type settings struct {
	ListenAddr    string
	BootstrapFile string
	TLSCertFile   string
	TLSKeyFile    string
	ShutdownGrace time.Duration
}

// loadConfig reads configuration from the environment, loading a .env file
// first when one is present.
func loadConfig(logger *slog.Logger) (oauth.Config, settings, error) {
	_ = godotenv.Load()

	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return oauth.Config{}, settings{}, fmt.Errorf("OAUTH_ISSUER is required")
	}

	encryptionKey, err := loadEncryptionKey()
	if err != nil {
		return oauth.Config{}, settings{}, err
	}

	cfg := oauth.Config{
		Server: server.Config{
			Issuer:                 issuer,
			AllowInsecureHTTP:      getBool("OAUTH_ALLOW_INSECURE_HTTP", false),
			AuthorizationCodeTTL:   getSeconds("OAUTH_AUTHORIZATION_CODE_TTL", 0),
			AccessTokenTTL:         getSeconds("OAUTH_ACCESS_TOKEN_TTL", 0),
			IDTokenTTL:             getSeconds("OAUTH_ID_TOKEN_TTL", 0),
			RefreshTokenTTL:        getSeconds("OAUTH_REFRESH_TOKEN_TTL", 0),
			RevokedTokenRetention:  getSeconds("OAUTH_REVOKED_TOKEN_RETENTION", 0),
			SigningKeyValidity:     getSeconds("OAUTH_SIGNING_KEY_VALIDITY", 0),
			MaxRefreshChainLength:  getInt("OAUTH_MAX_REFRESH_CHAIN_LENGTH", 0),
			SigningKeyBits:         getInt("OAUTH_SIGNING_KEY_BITS", 0),
			SupportedScopes:        getList("OAUTH_SUPPORTED_SCOPES", nil),
			AllowPKCEPlain:         getBool("OAUTH_ALLOW_PKCE_PLAIN", false),
			DisablePKCERequirement: !getBool("OAUTH_REQUIRE_PKCE", true),
			TrustProxy:             getBool("TRUST_PROXY", false),
			TrustedProxyCount:      getInt("TRUSTED_PROXY_COUNT", 1),
		},
		Storage: oauth.StorageConfig{
			Driver:             getEnv("STORAGE_DRIVER", oauth.StorageMemory),
			Address:            os.Getenv("VALKEY_ADDR"),
			Password:           os.Getenv("VALKEY_PASSWORD"),
			DB:                 getInt("VALKEY_DB", 0),
			KeyPrefix:          getEnv("VALKEY_KEY_PREFIX", "tenant-oauth:"),
			DisableClientCache: getBool("VALKEY_DISABLE_CLIENT_CACHE", false),
			DSN:                os.Getenv("DATABASE_DSN"),
			SweepInterval:      getDuration("STORAGE_SWEEP_INTERVAL", time.Minute),
		},
		Instrumentation: instrumentation.Config{
			ServiceName:     getEnv("SERVICE_NAME", instrumentation.DefaultServiceName),
			ServiceVersion:  getEnv("SERVICE_VERSION", version),
			Enabled:         getBool("ENABLE_METRICS", true),
			MetricsExporter: instrumentation.ExporterPrometheus,
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:               getInt("RATE_LIMIT_RATE", 10),
			Burst:              getInt("RATE_LIMIT_BURST", 20),
			SecurityEventRate:  getInt("SECURITY_EVENT_LOG_RATE", 5),
			SecurityEventBurst: getInt("SECURITY_EVENT_LOG_BURST", 10),
		},
		Security: oauth.SecurityConfig{
			EncryptionKey:      encryptionKey,
			EnableAuditLogging: getBool("AUDIT_LOGGING", true),
		},
		Logger: logger,
	}

	s := settings{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		BootstrapFile: os.Getenv("BOOTSTRAP_FILE"),
		TLSCertFile:   os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:    os.Getenv("TLS_KEY_FILE"),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}
	if s.TLSCertFile != "" && s.TLSKeyFile == "" {
		return oauth.Config{}, settings{}, fmt.Errorf("TLS_KEY_FILE is required when TLS_CERT_FILE is set")
	}
	return cfg, s, nil
}

// loadEncryptionKey reads the base64 state encryption key from the
// environment or from a file. No key leaves state unencrypted.
func loadEncryptionKey() ([]byte, error) {
	if keyStr := os.Getenv("OAUTH_ENCRYPTION_KEY"); keyStr != "" {
		return security.KeyFromBase64(keyStr)
	}
	if keyFile := os.Getenv("OAUTH_ENCRYPTION_KEY_FILE"); keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return security.KeyFromBase64(strings.TrimSpace(string(data)))
	}
	return nil, nil
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: getLogLevel()}
	if getBool("LOG_JSON", true) {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getLogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return value == "yes"
	}
	return parsed
}

func getInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getSeconds accepts a Go duration ("15m") and returns whole seconds.
func getSeconds(key string, defaultValue int64) int64 {
	d := getDuration(key, time.Duration(defaultValue)*time.Second)
	return int64(d / time.Second)
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getList(key string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
