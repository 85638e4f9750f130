// Coinmeadow agent - conversational crypto payments server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/agent"
	"github.com/CalebKiragu/coinmeadow-agent/internal/api"
	"github.com/CalebKiragu/coinmeadow-agent/internal/config"
	"github.com/CalebKiragu/coinmeadow-agent/internal/confirm"
	"github.com/CalebKiragu/coinmeadow-agent/internal/convo"
	"github.com/CalebKiragu/coinmeadow-agent/internal/middleware"
	"github.com/CalebKiragu/coinmeadow-agent/internal/prompt"
	"github.com/CalebKiragu/coinmeadow-agent/internal/relay"
	"github.com/CalebKiragu/coinmeadow-agent/internal/store"
	"github.com/CalebKiragu/coinmeadow-agent/internal/stream"
	"github.com/CalebKiragu/coinmeadow-agent/internal/wallet"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "agent", cfg.AgentAddress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	table := wallet.NewTable(cfg.Currencies)
	initialChain, ok := table.ChainFor(cfg.Currencies[0].Symbol, false)
	if !ok {
		slog.Error("No usable chain in currency table")
		os.Exit(1)
	}

	rpcWallet, err := wallet.NewRPCWallet(ctx, wallet.RPCWalletConfig{
		Endpoint:       cfg.RPCURL,
		Address:        cfg.WalletAddress,
		InitialChain:   initialChain,
		RequestTimeout: 15 * time.Second,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to wallet provider", "error", err, "endpoint", cfg.RPCURL)
		os.Exit(1)
	}
	slog.Info("Wallet provider connected", "chain", initialChain.Name, "address", cfg.WalletAddress)

	relayClient, err := relay.NewClient(cfg.RelayURL, cfg.WalletAddress, logger)
	if err != nil {
		slog.Error("Failed to initialize relay client", "error", err, "relay_url", cfg.RelayURL)
		os.Exit(1)
	}

	// Initialize services.
	conversations := convo.NewStore(repo, cfg.AgentAddress)
	prompts := prompt.NewStore()

	transcript, err := agent.NewTranscriptLogger(agent.TranscriptConfig{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	responder := agent.NewResponder(agent.Config{
		Conversations: conversations,
		Prompts:       prompts,
		Wallet:        rpcWallet,
		Table:         table,
		AgentAddress:  cfg.AgentAddress,
		ReplyLatency:  cfg.ReplyLatency,
		Transcript:    transcript,
		Logger:        logger,
	})

	streamer := stream.NewService(relayClient, conversations, responder, cfg.AgentAddress, logger)
	defer streamer.Stop()

	hub := api.NewHub(logger)
	conversations.OnAppend(hub.MessageAppended)

	controller := confirm.NewController(prompts, rpcWallet, table, cfg.BaseURL, hub, logger)

	// Drive the confirmation dialog from prompt slot updates and mirror them
	// to UI listeners.
	updates, cancelWatch := prompts.Watch()
	defer cancelWatch()
	go func() {
		for u := range updates {
			hub.PromptChanged(u)
			if u.Prompt != nil && u.Prompt.OpenDialog {
				controller.OnPrompt(ctx, u.Prompt, u.Generation)
			}
		}
	}()

	// Initialize handlers.
	baseHandler := api.NewHandler(streamer, conversations, prompts, controller, rpcWallet, hub)
	chatHandler := api.NewChatHandler(baseHandler)
	promptHandler := api.NewPromptHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(allowedOrigins))

	chatHandler.RegisterRoutes(r)
	promptHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", hub.ServeHTTP)

	// Create server.
	// Note: the event websocket requires long-lived writes (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
