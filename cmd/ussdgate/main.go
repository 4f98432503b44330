package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mkulima/ussdgate/internal/api"
	"github.com/mkulima/ussdgate/internal/flow"
	"github.com/mkulima/ussdgate/internal/sms"
	"github.com/mkulima/ussdgate/internal/store"
	"github.com/mkulima/ussdgate/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ussdgate state data
	DefaultStateDir = "/var/lib/ussdgate"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "ussdgate.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, sessionStore, err := buildStores(ctx, flags)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	dispatcher := buildDispatcher(flags)
	engine := flow.NewEngine(sessionStore, dataStore, dataStore, dispatcher)
	server := api.NewServer(engine,
		api.WithAddr(*flags.apiAddr),
		api.WithRatePerMinute(*flags.ratePerMinute),
	)

	slog.Info("Bootstrapping ussdgate", "addr", *flags.apiAddr, "db_driver", *flags.dbDriver, "redis_sessions", *flags.redisAddr != "")
	if err := server.Run(ctx); err != nil {
		slog.Error("ussdgate failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ussdgate exited successfully")
}

// Config holds environment configuration
type Config struct {
	DBDriver      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	StateDir      string
	APIAddr       string
	SessionTTL    time.Duration
	RatePerMinute int
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	Debug         bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDriver      *string
	dbDSN         *string
	redisAddr     *string
	redisPassword *string
	apiAddr       *string
	sessionTTL    *time.Duration
	ratePerMinute *int
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
}

// initializeLogger sets up structured logging. Level is debug when
// USSDGATE_DEBUG is set.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("USSDGATE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DBDriver:      os.Getenv("USSDGATE_DB_DRIVER"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		StateDir:      os.Getenv("USSDGATE_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		SessionTTL:    util.ParseDurationEnv("SESSION_TTL", store.DefaultSessionTTL),
		RatePerMinute: util.ParseIntEnv("RATE_PER_MINUTE", api.DefaultRatePerMinute),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No USSDGATE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	// Infer the driver from the DSN when not set explicitly.
	if config.DBDriver == "" {
		if strings.HasPrefix(config.DatabaseURL, "postgres://") || strings.HasPrefix(config.DatabaseURL, "postgresql://") {
			config.DBDriver = "postgres"
		} else {
			config.DBDriver = "sqlite"
		}
	}

	// Default to SQLite in the state directory when no database URL is set.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"USSDGATE_DB_DRIVER", config.DBDriver,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"USSDGATE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SESSION_TTL", config.SessionTTL,
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "" && config.TwilioFrom != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "Directory for state data"),
		dbDriver:      flag.String("db-driver", config.DBDriver, "Database driver: sqlite or postgres"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "Database connection string"),
		redisAddr:     flag.String("redis-addr", config.RedisAddr, "Redis address for session storage (optional)"),
		redisPassword: flag.String("redis-password", config.RedisPassword, "Redis password"),
		apiAddr:       flag.String("addr", config.APIAddr, "API listen address"),
		sessionTTL:    flag.Duration("session-ttl", config.SessionTTL, "Idle session expiry"),
		ratePerMinute: flag.Int("rate-per-minute", config.RatePerMinute, "USSD hops allowed per phone number per minute"),
		twilioSID:     flag.String("twilio-sid", config.TwilioSID, "Twilio account SID"),
		twilioToken:   flag.String("twilio-token", config.TwilioToken, "Twilio auth token"),
		twilioFrom:    flag.String("twilio-from", config.TwilioFrom, "Twilio sender number"),
	}
	flag.Parse()
	return flags
}

// buildStores wires the data store and the session store. Sessions go to
// Redis when an address is configured; otherwise they share the SQL store,
// with the reaper sweeping expired rows.
func buildStores(ctx context.Context, flags Flags) (store.Store, store.SessionStore, error) {
	storeOpts := []store.Option{
		store.WithDSN(*flags.dbDSN),
		store.WithSessionTTL(*flags.sessionTTL),
	}

	var dataStore store.Store
	var err error
	switch *flags.dbDriver {
	case "postgres":
		dataStore, err = store.NewPostgresStore(storeOpts...)
	default:
		dataStore, err = store.NewSQLiteStore(storeOpts...)
	}
	if err != nil {
		return nil, nil, err
	}

	if *flags.redisAddr != "" {
		sessionStore, err := store.NewRedisSessionStore(
			store.WithRedisAddr(*flags.redisAddr),
			store.WithRedisPassword(*flags.redisPassword),
			store.WithSessionTTL(*flags.sessionTTL),
		)
		if err != nil {
			dataStore.Close()
			return nil, nil, err
		}
		return dataStore, sessionStore, nil
	}

	// SQL-backed sessions have no native expiry; reap them.
	if purger, ok := dataStore.(store.SessionPurger); ok {
		store.StartSessionReaper(ctx, purger, *flags.sessionTTL, store.DefaultReapInterval)
	}
	return dataStore, dataStore, nil
}

// buildDispatcher wires the SMS dispatcher, falling back to a no-op sender
// when Twilio is not configured so loan confirmations degrade to log lines.
func buildDispatcher(flags Flags) *sms.Dispatcher {
	if *flags.twilioSID == "" || *flags.twilioToken == "" || *flags.twilioFrom == "" {
		slog.Warn("Twilio not configured, SMS confirmations disabled")
		return sms.NewDispatcher(sms.NoopSender{})
	}
	sender, err := sms.NewTwilioSender(
		sms.WithAccountSID(*flags.twilioSID),
		sms.WithAuthToken(*flags.twilioToken),
		sms.WithFrom(*flags.twilioFrom),
	)
	if err != nil {
		slog.Error("Failed to create Twilio sender, SMS confirmations disabled", "error", err)
		return sms.NewDispatcher(sms.NoopSender{})
	}
	return sms.NewDispatcher(sender)
}
