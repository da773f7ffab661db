package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/api"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/flow"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/genai"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/notify"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/ratelimit"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/store"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/topics"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatbotWiz state data
	DefaultStateDir = "/var/lib/chatbotwiz"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatbotwiz.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(config, flags); err != nil {
		slog.Error("ChatbotWiz failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatbotWiz exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	OpenAIModel     string
	APIAddr         string
	FlowMode        string
	BusinessContext string
	SMSNotify       bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	flowMode  *string
	smsNotify *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("CHATBOTWIZ_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		APIAddr:         os.Getenv("API_ADDR"),
		FlowMode:        os.Getenv("FLOW_MODE"),
		BusinessContext: os.Getenv("BUSINESS_CONTEXT"),
		SMSNotify:       util.ParseBoolEnv("SMS_NOTIFY", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATBOTWIZ_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CHATBOTWIZ_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"FLOW_MODE", config.FlowMode,
		"SMS_NOTIFY", config.SMSNotify)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ChatbotWiz data (overrides $CHATBOTWIZ_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the lead store (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		flowMode:  flag.String("flow-mode", config.FlowMode, "conversation flow mode, 5w or freeform (overrides $FLOW_MODE)"),
		smsNotify: flag.Bool("sms-notify", config.SMSNotify, "send SMS alerts for completed leads (overrides $SMS_NOTIFY)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"flowMode", *flags.flowMode,
		"smsNotify", *flags.smsNotify)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore selects and opens the lead store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildGenerator creates the OpenAI response generator, or nil when no API
// key is configured so the engine falls back to static replies.
func buildGenerator(config Config, flags Flags) flow.ResponseGenerator {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("GenAI client unavailable, engine will use static fallback replies", "error", err)
		return nil
	}
	return client
}

// buildNotifier creates the SMS lead notifier when enabled.
func buildNotifier(flags Flags) flow.LeadNotifier {
	if !*flags.smsNotify {
		return nil
	}
	client, err := notify.NewClient()
	if err != nil {
		slog.Warn("SMS notifier unavailable, lead alerts disabled", "error", err)
		return nil
	}
	return client
}

// buildEngineOptions assembles engine configuration from the environment.
func buildEngineOptions(config Config, flags Flags) []flow.Option {
	var opts []flow.Option
	if *flags.flowMode == string(models.FlowModeWizard) {
		opts = append(opts, flow.WithMode(models.FlowModeWizard))
	}
	if config.BusinessContext != "" {
		opts = append(opts, flow.WithBusinessContext(config.BusinessContext))
	}
	if n := util.ParseIntEnv("MAX_FOLLOW_UPS", 0); n > 0 {
		opts = append(opts, flow.WithMaxFollowUps(n))
	}
	if d := util.ParseDurationEnv("GENERATION_TIMEOUT", 0); d > 0 {
		opts = append(opts, flow.WithGenerationTimeout(d))
	}
	if d := util.ParseDurationEnv("SESSION_TTL", 0); d > 0 {
		opts = append(opts, flow.WithSessionTTL(d))
	}
	return opts
}

// buildGuardOptions assembles rate guard configuration from the environment.
func buildGuardOptions() []ratelimit.Option {
	var opts []ratelimit.Option
	if d := util.ParseDurationEnv("MESSAGE_DEBOUNCE", 0); d > 0 {
		opts = append(opts, ratelimit.WithDebounce(d))
	}
	if n := util.ParseIntEnv("WINDOW_LIMIT", 0); n > 0 {
		opts = append(opts, ratelimit.WithWindowLimit(time.Minute, n))
	}
	if n := util.ParseIntEnv("MAX_CONCURRENT", 0); n > 0 {
		opts = append(opts, ratelimit.WithMaxConcurrent(n))
	}
	return opts
}

// run wires the modules together and serves until interrupted.
func run(config Config, flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	guard := ratelimit.NewGuard(buildGuardOptions()...)
	defer guard.Stop()

	engine, err := flow.NewEngine(
		topics.NewRegistry(),
		buildGenerator(config, flags),
		st,
		guard,
		buildNotifier(flags),
		buildEngineOptions(config, flags)...)
	if err != nil {
		return err
	}
	defer engine.Close()

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(engine, st, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ChatbotWiz with configured modules")
	return server.Run(ctx)
}
