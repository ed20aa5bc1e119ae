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
	LogLevel    string

	StoreDriver     string
	DatabaseDSN     string
	MemoryStateFile string

	SessionTTL      time.Duration
	SessionCapacity int

	MailFrom           string
	SMTPAddr           string
	MailQueueSize      int
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string
	StateSecret        string
	SiteName           string
	SupportContact     string

	ImagesDir     string
	AuthRateLimit int
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
		Port:             3000,
		GinMode:          "release",
		LogLevel:         "info",
		StoreDriver:      "mysql",
		DatabaseDSN:      "membersite:membersite@tcp(127.0.0.1:3306)/membersite?parseTime=true",
		SessionTTL:       30 * time.Minute,
		SessionCapacity:  100,
		SMTPAddr:         "smtp.gmail.com:587",
		MailQueueSize:    64,
		OAuthRedirectURL: "http://localhost:3000/admin/email/",
		SiteName:         "OLMMCC",
		ImagesDir:        "/srv/http/images",
		AuthRateLimit:    10,
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
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("STORE_DRIVER"); raw != "" {
		if raw != "mysql" && raw != "memory" {
			return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", raw)
		}
		cfg.StoreDriver = raw
	}
	if raw := env.Getenv("DATABASE_DSN"); raw != "" {
		cfg.DatabaseDSN = raw
	}
	cfg.MemoryStateFile = env.Getenv("MEMORY_STATE_FILE")

	if raw := env.Getenv("SESSION_TTL_MINUTES"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			return Config{}, fmt.Errorf("invalid SESSION_TTL_MINUTES")
		}
		cfg.SessionTTL = time.Duration(minutes) * time.Minute
	}

	if raw := env.Getenv("SESSION_CAPACITY"); raw != "" {
		capacity, err := strconv.Atoi(raw)
		if err != nil || capacity <= 0 {
			return Config{}, fmt.Errorf("invalid SESSION_CAPACITY")
		}
		cfg.SessionCapacity = capacity
	}

	cfg.MailFrom = env.Getenv("MAIL_FROM")
	if raw := env.Getenv("SMTP_ADDR"); raw != "" {
		cfg.SMTPAddr = raw
	}
	if raw := env.Getenv("MAIL_QUEUE_SIZE"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Config{}, fmt.Errorf("invalid MAIL_QUEUE_SIZE")
		}
		cfg.MailQueueSize = size
	}

	cfg.GoogleClientID = env.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = env.Getenv("GOOGLE_CLIENT_SECRET")
	if raw := env.Getenv("OAUTH_REDIRECT_URL"); raw != "" {
		cfg.OAuthRedirectURL = raw
	}

	cfg.StateSecret = env.Getenv("STATE_SECRET")
	if cfg.StateSecret == "" {
		return Config{}, fmt.Errorf("STATE_SECRET is required")
	}

	if raw := env.Getenv("SITE_NAME"); raw != "" {
		cfg.SiteName = raw
	}
	cfg.SupportContact = env.Getenv("SUPPORT_CONTACT")

	if raw := env.Getenv("IMAGES_DIR"); raw != "" {
		cfg.ImagesDir = raw
	}

	if raw := env.Getenv("AUTH_RATE_LIMIT"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return Config{}, fmt.Errorf("invalid AUTH_RATE_LIMIT")
		}
		cfg.AuthRateLimit = limit
	}

	return cfg, nil
}
