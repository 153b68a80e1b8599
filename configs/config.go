package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
}

// Platforms holds the app credentials each adapter needs for signing or
// refreshing tokens.
type Platforms struct {
	FacebookAppSecret     string
	TiktokClientKey       string
	TiktokClientSecret    string
	PinterestClientID     string
	PinterestClientSecret string
	GoogleClientID        string
	GoogleClientSecret    string
	TwitterConsumerKey    string
	TwitterConsumerSecret string
	TwitterClientID       string
	TwitterClientSecret   string
	BlueskyPDSURL         string
}

// Engine tunes dispatch, retries, polling and token refresh.
type Engine struct {
	WorkerConcurrency       int
	DispatchSweepInterval   time.Duration
	DispatchLease           time.Duration
	MaxAttempts             int
	MaxUnknownAttempts      int
	BackoffBase             time.Duration
	BackoffCeiling          time.Duration
	PlatformTimeout         time.Duration
	MediaTimeout            time.Duration
	RefreshTimeout          time.Duration
	PollInitial             time.Duration
	PollMax                 time.Duration
	PollMaxWait             time.Duration
	TokenRefreshSchedule    string
	TokenRefreshLookahead   time.Duration
	TokenRefreshRate        int
	TokenRefreshConcurrency int
}

// AttemptTimeout bounds one publish call, media transfer included.
func (e Engine) AttemptTimeout() time.Duration {
	return 2 * e.MediaTimeout
}

type Config struct {
	PostgresURI  string
	RedisURI     string
	AMQPURL      string
	AMQPExchange string
	HTTPAddr     string
	LogLevel     string
	R2           R2
	SecretKey    string
	CookieName   string
	Platforms    Platforms
	Engine       Engine

	// parse problems collected by LoadConfig, reported by Validate
	invalid []string
}

func LoadConfig() *Config {
	cfg := &Config{
		PostgresURI:  getEnv("POSTGRES_URI", ""),
		RedisURI:     getEnv("REDIS_URI", ""),
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "postflow.publish"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":3000"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
			PublicURL:  getEnv("R2_PUBLIC_URL", ""),
		},
		SecretKey:  getEnv("SECRET_KEY", ""),
		CookieName: getEnv("COOKIE_NAME", "postflow_session"),
		Platforms: Platforms{
			FacebookAppSecret:     getEnv("FACEBOOK_APP_SECRET", ""),
			TiktokClientKey:       getEnv("TIKTOK_CLIENT_KEY", ""),
			TiktokClientSecret:    getEnv("TIKTOK_CLIENT_SECRET", ""),
			PinterestClientID:     getEnv("PINTEREST_CLIENT_ID", ""),
			PinterestClientSecret: getEnv("PINTEREST_CLIENT_SECRET", ""),
			GoogleClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
			GoogleClientSecret:    getEnv("GOOGLE_CLIENT_SECRET", ""),
			TwitterConsumerKey:    getEnv("TWITTER_CONSUMER_KEY", ""),
			TwitterConsumerSecret: getEnv("TWITTER_CONSUMER_SECRET", ""),
			TwitterClientID:       getEnv("TWITTER_CLIENT_ID", ""),
			TwitterClientSecret:   getEnv("TWITTER_CLIENT_SECRET", ""),
			BlueskyPDSURL:         getEnv("BLUESKY_PDS_URL", "https://bsky.social"),
		},
	}

	cfg.Engine = Engine{
		WorkerConcurrency:       cfg.getInt("WORKER_CONCURRENCY", 10),
		DispatchSweepInterval:   cfg.getDuration("DISPATCH_SWEEP_INTERVAL", 15*time.Second),
		DispatchLease:           cfg.getDuration("DISPATCH_LEASE", 10*time.Minute),
		MaxAttempts:             cfg.getInt("MAX_ATTEMPTS", 5),
		MaxUnknownAttempts:      cfg.getInt("MAX_UNKNOWN_ATTEMPTS", 3),
		BackoffBase:             cfg.getDuration("BACKOFF_BASE", 30*time.Second),
		BackoffCeiling:          cfg.getDuration("BACKOFF_CEILING", 30*time.Minute),
		PlatformTimeout:         cfg.getDuration("PLATFORM_TIMEOUT", 30*time.Second),
		MediaTimeout:            cfg.getDuration("MEDIA_TIMEOUT", 120*time.Second),
		RefreshTimeout:          cfg.getDuration("REFRESH_TIMEOUT", 15*time.Second),
		PollInitial:             cfg.getDuration("POLL_INITIAL", 5*time.Second),
		PollMax:                 cfg.getDuration("POLL_MAX", 60*time.Second),
		PollMaxWait:             cfg.getDuration("POLL_MAX_WAIT", 10*time.Minute),
		TokenRefreshSchedule:    getEnv("TOKEN_REFRESH_SCHEDULE", "@every 1h"),
		TokenRefreshLookahead:   cfg.getDuration("TOKEN_REFRESH_LOOKAHEAD", 2*time.Hour),
		TokenRefreshRate:        cfg.getInt("TOKEN_REFRESH_RATE", 5),
		TokenRefreshConcurrency: cfg.getInt("TOKEN_REFRESH_CONCURRENCY", 10),
	}
	return cfg
}

// Validate reports missing infrastructure settings and values that failed to
// parse. Parse failures have already fallen back to their defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.PostgresURI == "" {
		errs = append(errs, errors.New("POSTGRES_URI is required"))
	}
	if c.RedisURI == "" {
		errs = append(errs, errors.New("REDIS_URI is required"))
	}
	switch len(c.SecretKey) {
	case 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("SECRET_KEY must be 16, 24 or 32 bytes, got %d", len(c.SecretKey)))
	}
	for _, name := range c.invalid {
		errs = append(errs, fmt.Errorf("%s is invalid, using default", name))
	}
	if c.Engine.PollInitial > c.Engine.PollMax {
		errs = append(errs, errors.New("POLL_INITIAL must not exceed POLL_MAX"))
	}
	if c.Engine.BackoffBase > c.Engine.BackoffCeiling {
		errs = append(errs, errors.New("BACKOFF_BASE must not exceed BACKOFF_CEILING"))
	}
	if floor := c.Engine.AttemptTimeout() + c.Engine.RefreshTimeout; c.Engine.DispatchLease <= floor {
		errs = append(errs, fmt.Errorf("DISPATCH_LEASE must exceed %s (twice MEDIA_TIMEOUT plus REFRESH_TIMEOUT)", floor))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		c.invalid = append(c.invalid, key)
		return defaultValue
	}
	return n
}

func (c *Config) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		c.invalid = append(c.invalid, key)
		return defaultValue
	}
	return d
}
