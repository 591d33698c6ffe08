package app

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	SentryDSN   string

	// AI providers
	DeepgramAPIKey string
	GroqAPIKey     string
	GroqModel      string

	// Speech-to-text
	STTMode          string // "flux" or "live"
	STTSampleRate    int
	STTDebugAudioDir string

	// Websocket token auth
	JWTSecret string
	JWTExpiry time.Duration

	// Admin access
	AdminAPIKey string

	// Notifications
	DiscordWebhookURL string
}

func LoadConfigFromEnv() Config {
	jwtExpiry, err := time.ParseDuration(getenv("JWT_EXPIRY", "24h"))
	if err != nil {
		jwtExpiry = 24 * time.Hour
	}

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		SentryDSN:   getenv("SENTRY_DSN", ""),

		// AI providers
		DeepgramAPIKey: getenv("DEEPGRAM_API_KEY", ""),
		GroqAPIKey:     getenv("GROQ_API_KEY", ""),
		GroqModel:      getenv("GROQ_MODEL", ""),

		// Speech-to-text
		STTMode:          getenv("STT_MODE", "flux"),
		STTSampleRate:    getenvIntClamped("STT_SAMPLE_RATE", 16000, 8000, 48000),
		STTDebugAudioDir: getenv("STT_DEBUG_AUDIO_DIR", ""),

		// Websocket token auth
		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: jwtExpiry,

		// Admin access
		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),

		// Notifications
		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
	}
}

// Validate fails fast on the settings the server cannot run without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.DeepgramAPIKey == "" {
		return errors.New("DEEPGRAM_API_KEY is required")
	}
	if c.GroqAPIKey == "" {
		return errors.New("GROQ_API_KEY is required")
	}
	if c.STTMode != "flux" && c.STTMode != "live" {
		return errors.New("STT_MODE must be \"flux\" or \"live\"")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
