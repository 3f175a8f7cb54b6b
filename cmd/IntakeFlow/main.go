// IntakeFlow is a WhatsApp legal-intake chatbot for Brazilian law firms.
//
// It walks prospective clients through a short intake conversation, survives
// channel and storage faults with retries and circuit breakers, and re-engages
// sessions that go silent mid-flow.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/api"
	"github.com/JurisFlow/IntakeFlow/internal/flow"
	"github.com/JurisFlow/IntakeFlow/internal/lockfile"
	"github.com/JurisFlow/IntakeFlow/internal/messaging"
	"github.com/JurisFlow/IntakeFlow/internal/resilience"
	"github.com/JurisFlow/IntakeFlow/internal/scheduler"
	"github.com/JurisFlow/IntakeFlow/internal/store"
	"github.com/JurisFlow/IntakeFlow/internal/templates"
	"github.com/JurisFlow/IntakeFlow/internal/timeout"
	"github.com/JurisFlow/IntakeFlow/internal/twiliowhatsapp"
	"github.com/JurisFlow/IntakeFlow/internal/util"
	"github.com/JurisFlow/IntakeFlow/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakeFlow state data
	DefaultStateDir = "/var/lib/intakeflow"
	// DefaultSessionDBFileName is the default SQLite session database filename
	DefaultSessionDBFileName = "intakeflow.db"
	// DefaultWhatsAppDBFileName is the default SQLite whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultFirmName is used in conversation copy when no firm name is configured
	DefaultFirmName = "Silva & Prado Advogados"
	// DefaultCleanupSchedule runs the dormant-session sweep nightly
	DefaultCleanupSchedule = "0 3 * * *"
	// DefaultSessionRetention is how long an untouched session stays active
	DefaultSessionRetention = 30 * 24 * time.Hour
	// DefaultShutdownTimeout bounds graceful shutdown of the API server
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds environment configuration.
type Config struct {
	StateDir        string
	DatabaseURL     string
	WhatsAppDSN     string
	Channel         string
	FirmName        string
	APIAddr         string
	CleanupSchedule string
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	dbDSN    *string
	channel  *string
	firmName *string
	apiAddr  *string
	debug    *bool
}

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.debug)

	if err := run(config, flags); err != nil {
		slog.Error("IntakeFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("IntakeFlow exited successfully")
}

// initializeLogger sets up structured logging on stderr.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug || util.ParseBoolEnv("INTAKEFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:        os.Getenv("INTAKEFLOW_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		Channel:         os.Getenv("INTAKEFLOW_CHANNEL"),
		FirmName:        os.Getenv("FIRM_NAME"),
		APIAddr:         os.Getenv("API_ADDR"),
		CleanupSchedule: os.Getenv("CLEANUP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultSessionDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}
	if config.Channel == "" {
		config.Channel = "whatsapp"
	}
	if config.FirmName == "" {
		config.FirmName = DefaultFirmName
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.CleanupSchedule == "" {
		config.CleanupSchedule = DefaultCleanupSchedule
	}

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:  flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for IntakeFlow data (overrides $INTAKEFLOW_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "session database DSN (overrides $DATABASE_URL)"),
		channel:  flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $INTAKEFLOW_CHANNEL)"),
		firmName: flag.String("firm-name", config.FirmName, "law firm name used in conversation copy (overrides $FIRM_NAME)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		debug:    flag.Bool("debug", false, "enable debug logging"),
	}
	flag.Parse()

	// A custom state directory moves the default SQLite databases with it.
	if *flags.stateDir != config.StateDir && *flags.dbDSN == filepath.Join(config.StateDir, DefaultSessionDBFileName) {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultSessionDBFileName)
	}

	return flags
}

// buildSessionStore opens the session store matching the DSN type.
func buildSessionStore(dsn string) (store.SessionStore, error) {
	switch store.DetectDSNType(dsn) {
	case "postgres":
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// buildSender constructs the messaging channel. The returned handler is
// non-nil only for the Twilio webhook channel.
func buildSender(config Config, flags Flags) (messaging.Sender, http.HandlerFunc, error) {
	switch *flags.channel {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc.WebhookHandler, nil
	case "whatsapp":
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel %q (expected whatsapp or twilio)", *flags.channel)
	}
}

func run(config Config, flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", *flags.stateDir, err)
	}
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildSessionStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	content := templates.NewProvider(*flags.firmName)
	exec := resilience.NewExecutor(
		resilience.NewCircuitRegistry(resilience.DefaultFailureThreshold, resilience.DefaultRecoveryTimeout),
		resilience.NewRateLimitRegistry(),
	)
	engine := flow.NewEngine(st, content, exec, resilience.NewResponder(content))

	sender, webhook, err := buildSender(config, flags)
	if err != nil {
		return err
	}
	if err := sender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging channel: %w", err)
	}
	defer sender.Stop()

	dispatcher := messaging.NewDispatcher(sender, engine, exec)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	monitor := timeout.NewMonitor(st, engine, sender, content, exec,
		timeout.WithCheckInterval(util.ParseDurationEnv("TIMEOUT_CHECK_INTERVAL", timeout.DefaultCheckInterval)),
		timeout.WithIdleThreshold(util.ParseDurationEnv("TIMEOUT_IDLE_THRESHOLD", timeout.DefaultIdleThreshold)),
	)
	engine.SetResponseObserver(monitor)
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start timeout monitor: %w", err)
	}
	defer monitor.Stop()

	retention := util.ParseDurationEnv("SESSION_RETENTION", DefaultSessionRetention)
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	err = sched.AddJob("session-cleanup", config.CleanupSchedule, func() {
		n, err := st.CleanupExpired(context.Background(), retention)
		if err != nil {
			slog.Error("cleanup job failed", "error", err)
			return
		}
		slog.Info("cleanup job deactivated expired sessions", "count", n, "retention", retention)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}

	srv := api.NewServer(st, exec, monitor, webhook, api.WithAddr(*flags.apiAddr))
	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("IntakeFlow running",
		"channel", *flags.channel,
		"api_addr", *flags.apiAddr,
		"store", store.DetectDSNType(*flags.dbDSN))

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
	return nil
}
