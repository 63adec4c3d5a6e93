package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	campoquery "github.com/campolimpio/campoquery"
	"github.com/campolimpio/campoquery/postgres"
)

// fileConfig is the optional YAML configuration file.
type fileConfig struct {
	Addr           string   `yaml:"addr"`
	Provider       string   `yaml:"provider"`
	Model          string   `yaml:"model"`
	DefaultLimit   int      `yaml:"default_limit"`
	MaxHistory     int      `yaml:"max_history"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "1" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg := loadConfig(*configPath, logger)

	agent, err := campoquery.New(cfg.agentConfig)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	server := campoquery.NewServer(agent, cfg.addr, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("received signal", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
			os.Exit(1)
		}
	}
}

type serverConfig struct {
	addr        string
	agentConfig campoquery.Config
}

func loadConfig(configPath string, logger *slog.Logger) serverConfig {
	var fc fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			logger.Error("failed to read config file", "path", configPath, "error", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			logger.Error("failed to parse config file", "path", configPath, "error", err)
			os.Exit(1)
		}
	}

	addr := fc.Addr
	if addr == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8000"
		}
		addr = ":" + port
	}

	provider := fc.Provider
	if provider == "" {
		provider = os.Getenv("LLM_PROVIDER")
	}
	if provider == "" {
		provider = "openai"
	}

	var llm campoquery.LLMClient
	var err error
	switch provider {
	case "openai":
		llm, err = campoquery.NewOpenAIClient(os.Getenv("OPENAI_API_KEY"), logger)
	case "anthropic":
		llm, err = campoquery.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), logger)
	default:
		logger.Error("unknown LLM provider", "provider", provider)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to create LLM client", "provider", provider, "error", err)
		os.Exit(1)
	}

	defaultLimit := fc.DefaultLimit
	if defaultLimit == 0 {
		if v := os.Getenv("DEFAULT_RECORD_LIMIT"); v != "" {
			if n, convErr := strconv.Atoi(v); convErr == nil {
				defaultLimit = n
			}
		}
	}

	agentCfg := campoquery.Config{
		LLM: llm,
		Airtable: campoquery.AirtableConfig{
			APIKey: os.Getenv("AIRTABLE_API_KEY"),
			BaseID: os.Getenv("AIRTABLE_BASE_ID"),
		},
		Logger:         logger,
		Model:          fc.Model,
		MaxHistory:     fc.MaxHistory,
		DefaultLimit:   defaultLimit,
		AllowedOrigins: fc.AllowedOrigins,
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		pool, poolErr := pgxpool.New(ctx, dsn)
		if poolErr != nil {
			logger.Error("failed to create database pool", "error", poolErr)
			os.Exit(1)
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			logger.Error("failed to ping database", "error", pingErr)
			os.Exit(1)
		}
		if _, migErr := pool.Exec(ctx, postgres.Migration("")); migErr != nil {
			logger.Error("failed to run migration", "error", migErr)
			os.Exit(1)
		}
		agentCfg.Store = postgres.New(pool)
		logger.Info("using postgres conversation store")
	} else {
		logger.Info("using in-memory conversation store")
	}

	return serverConfig{addr: addr, agentConfig: agentCfg}
}
