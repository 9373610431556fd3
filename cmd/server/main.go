package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/capabilities"
	"github.com/avvvet/intent-router/internal/config"
	"github.com/avvvet/intent-router/internal/confirm"
	"github.com/avvvet/intent-router/internal/consent"
	"github.com/avvvet/intent-router/internal/dispatcher"
	"github.com/avvvet/intent-router/internal/eventlog"
	"github.com/avvvet/intent-router/internal/handlers"
	"github.com/avvvet/intent-router/internal/llm"
	"github.com/avvvet/intent-router/internal/logging"
	"github.com/avvvet/intent-router/internal/memory"
	"github.com/avvvet/intent-router/internal/parser"
	"github.com/avvvet/intent-router/internal/registry"
	"github.com/avvvet/intent-router/internal/safety"
	"github.com/avvvet/intent-router/internal/store"
	"github.com/avvvet/intent-router/internal/suggest"
	"github.com/avvvet/intent-router/internal/transport"
	"github.com/avvvet/intent-router/internal/workspace"
)

func main() {
	// Load .env file if it exists (for development)
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Info("No .env file found, using environment variables")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("❌ Intent router stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("🚀 Starting intent router...",
		zap.String("nats_url", cfg.NatsURL),
		zap.String("store", cfg.StoreDriver),
		zap.String("parser", cfg.ParserMode),
		zap.Bool("remote_enabled", cfg.RemoteEnabled))

	logger.Info("💾 Opening store...")
	st, err := store.Open(cfg.StoreDriver, cfg.SQLitePath, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("✅ Store ready")

	logger.Info("📡 Connecting to NATS...")
	conn, err := transport.Connect(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("✅ NATS connected")

	manifest, err := capabilities.Load(cfg.CapabilitiesFile)
	if err != nil {
		return err
	}
	reg := registry.New(logger)
	if err := capabilities.Register(reg, manifest, transport.ExecutorFactory(conn, cfg.NatsTimeout, logger)); err != nil {
		return fmt.Errorf("failed to register capabilities: %w", err)
	}
	logger.Info("🧭 Capabilities registered", zap.Int("modules", len(manifest.Modules)))

	layout := workspace.NewLayout(cfg.WorkspaceRoot)
	consents := consent.NewStore(layout)

	events := eventlog.New(st, eventlog.WithLogger(logger))
	transport.PublishEvents(events, conn, cfg.NatsFeedSubject, logger)

	conversation := openMemory(cfg, st, logger)
	defer conversation.Close()

	intentParser, err := buildParser(cfg, reg, conversation, logger)
	if err != nil {
		return err
	}

	tickets := confirm.NewManager(st, logger).WithTTL(cfg.TicketTTL).WithConsent(consents)
	d := dispatcher.New(dispatcher.Deps{
		Registry: reg,
		Parser:   intentParser,
		Classifier: safety.New(reg,
			safety.WithRemoteEnabled(cfg.RemoteEnabled),
			safety.WithThreshold(cfg.ConfidenceThreshold),
			safety.WithConsent(consents)),
		Confirm:    tickets,
		Log:        events,
		Queues:     st,
		Workspaces: layout,
		Locks:      workspaceLocks(st, logger),
	}, dispatcher.WithLogger(logger), dispatcher.WithClarificationTTL(cfg.ClarificationTTL))

	handler := handlers.NewRouterHandler(handlers.Deps{
		Turns:        d,
		Suggestions:  suggest.New(consents, layout, logger),
		Events:       events,
		Conversation: conversation,
		Workspaces:   layout,
	}, logger)

	natsTransport := transport.NewNATSTransport(conn, cfg, handler, logger)
	if err := natsTransport.Start(); err != nil {
		return err
	}
	defer natsTransport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweep(ctx, tickets, cfg.SweepInterval, logger)

	logger.Info("✅ Intent router is running!",
		zap.String("turn_subject", cfg.NatsTurnSubject),
		zap.String("confirm_subject", cfg.NatsConfirmSubject),
		zap.String("suggest_subject", cfg.NatsSuggestSubject),
		zap.String("events_subject", cfg.NatsEventsSubject))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("🛑 Received signal, shutting down gracefully...", zap.String("signal", sig.String()))

	cancel()
	if err := natsTransport.Close(); err != nil {
		logger.Warn("⚠️ Error closing NATS transport", zap.Error(err))
	}
	logger.Info("👋 Intent router stopped")
	return nil
}

func openMemory(cfg *config.Config, st store.Store, logger *zap.Logger) *memory.Manager {
	var backing memory.Store
	if rs, ok := st.(*store.RedisStore); ok {
		logger.Info("🔌 Sharing the store's Redis connection with conversation memory")
		backing = memory.NewRedisStoreWithClient(rs.Client(), cfg.MemoryTTL, memory.DefaultMaxMessages)
	} else {
		backing = memory.NewInMemoryStore(memory.DefaultMaxMessages)
	}
	logger.Info("🧠 Conversation memory initialized")
	return memory.NewManager(backing, logger).WithWindow(cfg.MemoryWindow)
}

// workspaceLocks spans instances sharing a Redis store. SQLite and the
// in-memory store serve one instance and use the dispatcher's own lock.
func workspaceLocks(st store.Store, logger *zap.Logger) dispatcher.Locker {
	rs, ok := st.(*store.RedisStore)
	if !ok {
		return nil
	}
	logger.Info("🔒 Workspace locks held in Redis")
	return rs.Locker(store.DefaultLockTTL)
}

func buildParser(cfg *config.Config, reg *registry.Registry, history llm.HistorySource, logger *zap.Logger) (parser.Parser, error) {
	heuristic := parser.NewHeuristic(reg)
	if cfg.ParserMode != config.ParserLLM {
		return heuristic, nil
	}
	provider, err := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicTimeout)
	if err != nil {
		return nil, err
	}
	logger.Info("🤖 Anthropic parser initialized", zap.String("model", cfg.AnthropicModel))
	return llm.NewParser(provider, reg, heuristic, logger).WithHistory(history), nil
}

func sweep(ctx context.Context, tickets *confirm.Manager, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tickets.Sweep(ctx)
			if err != nil {
				logger.Warn("ticket sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("⏱️ Expired confirmation tickets", zap.Int("count", n))
			}
		}
	}
}
