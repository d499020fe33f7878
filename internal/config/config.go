package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string

	DatabasePath string

	// Remote team-messaging backend.
	RCServerURL    string
	RCClientID     string
	RCClientSecret string
	RCAuthMode     string // "jwt" or "authcode"
	RCPrivateKey   string // PEM, jwt mode
	RCAuthCode     string // one-time bootstrap code, authcode mode
	RCRedirectURI  string

	WebhookURL        string
	VerificationToken string
	SubscriptionTTL   time.Duration
	RenewInterval     time.Duration

	// Marker embedded in forwarded posts so the webhook can tell our own
	// messages from genuine agent replies.
	RelayMarker string

	AdminSecret string
	TokenExpiry time.Duration

	IdleAfter     time.Duration
	CloseAfter    time.Duration
	SweepInterval time.Duration

	HTTPTimeout time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:            3000,
		GinMode:         "release",
		DatabasePath:    "chat-relay.db",
		RCServerURL:     "https://platform.ringcentral.com",
		RCAuthMode:      "jwt",
		RelayMarker:     "[web-visitor]",
		SubscriptionTTL: 7 * 24 * time.Hour,
		RenewInterval:   24 * time.Hour,
		TokenExpiry:     7 * 24 * time.Hour,
		IdleAfter:       10 * time.Minute,
		CloseAfter:      2 * time.Hour,
		SweepInterval:   time.Minute,
		HTTPTimeout:     15 * time.Second,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}

	if raw := env.Getenv("RC_SERVER_URL"); raw != "" {
		cfg.RCServerURL = raw
	}
	cfg.RCClientID = env.Getenv("RC_CLIENT_ID")
	if cfg.RCClientID == "" {
		return Config{}, fmt.Errorf("RC_CLIENT_ID is required")
	}
	cfg.RCClientSecret = env.Getenv("RC_CLIENT_SECRET")
	if cfg.RCClientSecret == "" {
		return Config{}, fmt.Errorf("RC_CLIENT_SECRET is required")
	}

	if raw := env.Getenv("RC_AUTH_MODE"); raw != "" {
		if raw != "jwt" && raw != "authcode" {
			return Config{}, fmt.Errorf("invalid RC_AUTH_MODE")
		}
		cfg.RCAuthMode = raw
	}
	cfg.RCPrivateKey = env.Getenv("RC_PRIVATE_KEY")
	cfg.RCAuthCode = env.Getenv("RC_AUTH_CODE")
	cfg.RCRedirectURI = env.Getenv("RC_REDIRECT_URI")
	if cfg.RCAuthMode == "jwt" && cfg.RCPrivateKey == "" {
		return Config{}, fmt.Errorf("RC_PRIVATE_KEY is required in jwt mode")
	}

	cfg.WebhookURL = env.Getenv("WEBHOOK_URL")
	cfg.VerificationToken = env.Getenv("WEBHOOK_VERIFICATION_TOKEN")

	if raw := env.Getenv("SUBSCRIPTION_TTL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid SUBSCRIPTION_TTL_SECONDS")
		}
		cfg.SubscriptionTTL = time.Duration(seconds) * time.Second
	}
	if raw := env.Getenv("RENEW_INTERVAL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid RENEW_INTERVAL_SECONDS")
		}
		cfg.RenewInterval = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("RELAY_MARKER"); raw != "" {
		cfg.RelayMarker = raw
	}

	cfg.AdminSecret = env.Getenv("ADMIN_SECRET")
	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("IDLE_AFTER_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid IDLE_AFTER_SECONDS")
		}
		cfg.IdleAfter = time.Duration(seconds) * time.Second
	}
	if raw := env.Getenv("CLOSE_AFTER_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid CLOSE_AFTER_SECONDS")
		}
		cfg.CloseAfter = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("HTTP_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid HTTP_TIMEOUT_SECONDS")
		}
		cfg.HTTPTimeout = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}
