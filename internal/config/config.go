package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	JWTSigningKey string

	// Broker
	NATSURL               string
	LocationSubject       string
	LocationStream        string
	LocationConsumer      string
	BrokerConnectAttempts int
	BrokerRetryDelay      time.Duration

	// Location API
	LocationAPIKey string

	// Chat
	AdmissionTimeout     time.Duration
	ChatSendBuffer       int
	ChatMaxMessageLength int
	ChatAllowedOrigins   []string
	MaxConnections       int

	// Rate Limit
	RateLimitUpgrade  int
	RateLimitLocation int

	// Logging
	LogLevel string

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSigningKey = os.Getenv("JWT_SIGNING_KEY")
	if cfg.JWTSigningKey == "" {
		missing = append(missing, "JWT_SIGNING_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.NATSURL = getEnvString("NATS_URL", "nats://localhost:4222")
	cfg.LocationSubject = getEnvString("LOCATION_SUBJECT", "user_locations")
	cfg.LocationStream = getEnvString("LOCATION_STREAM", "LOCATIONS")
	cfg.LocationConsumer = getEnvString("LOCATION_CONSUMER", "travel_journal_group")
	cfg.BrokerConnectAttempts = getEnvInt("BROKER_CONNECT_ATTEMPTS", 5)
	cfg.BrokerRetryDelay = getEnvDuration("BROKER_RETRY_DELAY", 5*time.Second)
	cfg.LocationAPIKey = getEnvString("LOCATION_API_KEY", "")
	cfg.AdmissionTimeout = getEnvDuration("ADMISSION_TIMEOUT", 5*time.Second)
	cfg.ChatSendBuffer = getEnvInt("CHAT_SEND_BUFFER", 64)
	cfg.ChatMaxMessageLength = getEnvInt("CHAT_MAX_MESSAGE_LENGTH", 4000)
	cfg.ChatAllowedOrigins = getEnvList("CHAT_ALLOWED_ORIGINS")
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 10000)
	cfg.RateLimitUpgrade = getEnvInt("RATE_LIMIT_UPGRADE", 60)
	cfg.RateLimitLocation = getEnvInt("RATE_LIMIT_LOCATION", 600)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

// RequireLocationAPIKey はlocation-apiモードで必須となるAPIキーの設定を検証する。
func (c *Config) RequireLocationAPIKey() error {
	if c.LocationAPIKey == "" {
		return fmt.Errorf("required environment variables are not set: [LOCATION_API_KEY]")
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
