package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	BaseURL            string
	GoogleClientID     string
	GoogleClientSecret string
	RedirectURL        string
	Scopes             []string
	SessionSecret      string
	DatabaseURL        string
	AuthTimeout        time.Duration
	HTTPTimeout        time.Duration
	CacheStaleAfter    time.Duration
	SyncMaxAttempts    int
	SyncMaxResults     int64
	Env                string
}

var defaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/userinfo.email",
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	baseURL := GetEnv("BASE_URL", "http://localhost:8080")

	return &Config{
		Port:               GetEnv("PORT", "8080"),
		BaseURL:            baseURL,
		GoogleClientID:     GetEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: GetEnv("GOOGLE_CLIENT_SECRET", ""),
		RedirectURL:        GetEnv("OAUTH_REDIRECT_URL", baseURL+"/auth/google/callback"),
		Scopes:             splitScopes(GetEnv("OAUTH_SCOPES", "")),
		SessionSecret:      GetEnv("SESSION_SECRET", ""),
		DatabaseURL:        GetEnv("DATABASE_URL", ""),
		AuthTimeout:        GetEnvDuration("AUTH_TIMEOUT_SECONDS", 3*time.Minute),
		HTTPTimeout:        GetEnvDuration("HTTP_TIMEOUT_SECONDS", 30*time.Second),
		CacheStaleAfter:    GetEnvDuration("CACHE_STALE_AFTER_SECONDS", 5*time.Minute),
		SyncMaxAttempts:    GetEnvInt("SYNC_MAX_ATTEMPTS", 3),
		SyncMaxResults:     int64(GetEnvInt("SYNC_MAX_RESULTS", 25)),
		Env:                GetEnv("ENV", "development"),
	}, nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration reads a whole number of seconds from the environment.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return defaultValue
}

func splitScopes(raw string) []string {
	if raw == "" {
		return defaultScopes
	}
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 0 {
		return defaultScopes
	}
	return scopes
}

func (c *Config) Validate() error {
	if c.GoogleClientID == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}
	if c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	return nil
}
