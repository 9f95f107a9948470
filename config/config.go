package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Queue configuration
	VerificationCodeLength int
	MaxPartySize           int
	EstimatedWaitPerParty  time.Duration

	// Session configuration
	GracePeriod    time.Duration
	CallTimeout    time.Duration
	SessionIdleTTL time.Duration

	// Cleanup configuration
	SweepInterval     time.Duration
	TerminalRetention time.Duration

	// Live channel configuration
	DispatchBuffer int
	SSEPingPeriod  time.Duration

	// Idle dashboard session configuration
	IdleSessionDuration time.Duration
	IdleWarningWindow   time.Duration

	// Rate limiting
	JoinRateLimit int

	// Monitoring
	EnableMetrics bool
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Queue
		VerificationCodeLength: clampCodeLength(getEnvAsInt("VERIFICATION_CODE_LENGTH", 4)),
		MaxPartySize:           getEnvAsInt("MAX_PARTY_SIZE", 12),
		EstimatedWaitPerParty:  getEnvAsDuration("ESTIMATED_WAIT_PER_PARTY", "5m"),

		// Sessions
		GracePeriod:    getEnvAsDuration("GRACE_PERIOD", "5m"),
		CallTimeout:    getEnvAsDuration("CALL_TIMEOUT", "3m"),
		SessionIdleTTL: getEnvAsDuration("SESSION_IDLE_TTL", "24h"),

		// Cleanup
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", "1m"),
		TerminalRetention: getEnvAsDuration("TERMINAL_RETENTION", "30m"),

		// Live channel
		DispatchBuffer: getEnvAsInt("DISPATCH_BUFFER", 16),
		SSEPingPeriod:  getEnvAsDuration("SSE_PING_PERIOD", "25s"),

		// Idle dashboard sessions
		IdleSessionDuration: getEnvAsDuration("IDLE_SESSION_DURATION", "30m"),
		IdleWarningWindow:   getEnvAsDuration("IDLE_WARNING_WINDOW", "2m"),

		// Rate limiting (joins per IP per minute)
		JoinRateLimit: getEnvAsInt("JOIN_RATE_LIMIT", 60),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

// Verification codes are read back over the counter; anything outside
// 4-6 characters is either too weak to disambiguate or too awkward to say.
func clampCodeLength(n int) int {
	if n < 4 {
		return 4
	}
	if n > 6 {
		return 6
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
