// Package lifecycle assembles the server: storage, write queue, event bus,
// registries, security pipeline, knowledge engine, tool dispatcher and the
// MCP and HTTP listeners, in dependency order, with a drain-on-shutdown
// teardown in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/agent"
	"github.com/agenthive/agenthive/internal/auth"
	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/common/tracing"
	"github.com/agenthive/agenthive/internal/contextstore"
	"github.com/agenthive/agenthive/internal/events/bus"
	"github.com/agenthive/agenthive/internal/gateway"
	"github.com/agenthive/agenthive/internal/mcpserver"
	"github.com/agenthive/agenthive/internal/metrics"
	"github.com/agenthive/agenthive/internal/rag"
	"github.com/agenthive/agenthive/internal/security"
	"github.com/agenthive/agenthive/internal/storage"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
	"github.com/agenthive/agenthive/internal/task"
	"github.com/agenthive/agenthive/internal/tools"
)

// ErrStorage marks a failure to open or migrate the store, so the
// entrypoint can map it to its own exit code.
var ErrStorage = errors.New("storage unavailable")

const (
	monitorInterval  = time.Minute
	staleAgentFactor = 10
)

// App owns every long-lived component of the server.
type App struct {
	cfg *config.Config
	log *logger.Logger

	store    *storage.Store
	queue    *writequeue.Queue
	eventBus bus.EventBus
	authReg  *auth.Registry
	agents   *agent.Manager
	tasks    *task.Service
	contexts *contextstore.Store

	indexer   *rag.Indexer
	knowledge *rag.Engine

	hub    *gateway.Hub
	bridge *gateway.Bridge
	mcp    *mcpserver.Server
	met    *metrics.Metrics

	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	bg     sync.WaitGroup
	ready  atomic.Bool
}

// New creates an unstarted app.
func New(cfg *config.Config) *App {
	return &App{
		cfg: cfg,
		log: logger.New("lifecycle"),
	}
}

// MCP returns the MCP server, for stdio sessions.
func (a *App) MCP() *mcpserver.Server { return a.mcp }

// Addr returns the bound HTTP address once Start has returned.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start brings the whole stack up and returns once both listeners accept
// connections. Background loops run until Shutdown.
func (a *App) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// Open migrates on success, so a schema failure surfaces here too.
	store, err := storage.Open(ctx, &a.cfg.Database)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	a.store = store

	a.queue = writequeue.New(store.Pool())
	a.queue.Start()

	if a.cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:            a.cfg.NATS.URL,
			MaxReconnects:  a.cfg.NATS.MaxReconnects,
			ConnectionName: a.cfg.NATS.ClientID,
		})
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.eventBus = natsBus
		a.log.Info("Connected to NATS event bus", zap.String("url", a.cfg.NATS.URL))
	} else {
		a.eventBus = bus.NewMemoryEventBus()
		a.log.Info("Using in-memory event bus")
	}

	a.authReg = auth.NewRegistry(store.Pool(), a.queue)
	if err := a.authReg.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate token registry: %w", err)
	}
	adminToken, err := a.authReg.EnsureAdmin(ctx, a.cfg.Auth.AdminToken)
	if err != nil {
		return fmt.Errorf("ensure admin token: %w", err)
	}
	if a.cfg.Auth.AdminToken == "" {
		// Printed once at startup; there is no other way to recover it.
		a.log.Warn("Generated admin token", zap.String("token", adminToken))
	}
	audit := auth.NewAudit(a.queue)

	mode, err := security.ParseMode(a.cfg.Security.SanitizeMode)
	if err != nil {
		return fmt.Errorf("security config: %w", err)
	}
	sink := security.NewAlertSink(a.queue, a.eventBus, a.cfg.Security.AlertWebhook)
	pipeline := security.NewPipeline(security.NewScanner(a.cfg.Security.Enabled), mode, sink)

	agentStore := agent.NewStore(store.Pool(), a.queue)
	a.agents = agent.NewManager(agentStore, a.authReg, a.eventBus, a.cfg.Auth.MaxAgents)
	a.tasks = task.NewService(task.NewStore(store.Pool(), a.queue), a.agents, a.eventBus)
	a.agents.SetTaskReleaser(a.tasks)
	a.contexts = contextstore.NewStore(store.Pool(), a.queue, a.eventBus)

	if a.cfg.RAG.Enabled {
		if err := a.startKnowledge(bgCtx); err != nil {
			a.log.Warn("Knowledge engine disabled", zap.Error(err))
		}
	} else {
		a.log.Info("Knowledge engine disabled by configuration")
	}

	registry := tools.BuildRegistry(tools.Deps{
		Agents:    a.agents,
		Tasks:     a.tasks,
		Context:   a.contexts,
		Knowledge: a.knowledge,
	})
	dispatcher := tools.NewDispatcher(registry, a.authReg, audit, pipeline,
		int64(a.cfg.Dispatch.MaxWorkers), a.cfg.Dispatch.Timeout())

	a.hub = gateway.NewHub()
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.hub.Run(bgCtx)
	}()
	a.bridge = gateway.NewBridge(a.hub, a.eventBus)
	if err := a.bridge.Start(bgCtx); err != nil {
		return fmt.Errorf("start gateway bridge: %w", err)
	}

	a.met = metrics.New()
	dispatcher.SetObserver(a.met)
	a.met.TrackQueueDepth(a.queue.Depth)
	a.met.TrackSubscribers(a.hub.ClientCount)
	if a.indexer != nil {
		a.met.TrackRAGCycleAge(a.indexer.LastCycle)
	}

	a.mcp = mcpserver.New(mcpserver.Config{Port: a.cfg.Server.Port}, registry, dispatcher)

	if err := a.startHTTP(); err != nil {
		return err
	}

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.monitorSessions(bgCtx)
	}()

	a.ready.Store(true)
	a.log.Info("Agenthive started",
		zap.String("addr", a.Addr()),
		zap.Int("tools", len(registry.List())))
	return nil
}

// startKnowledge builds the RAG stack and launches the indexer loop.
// Failures leave a.knowledge nil; ask_project_rag then reports the engine
// as disabled.
func (a *App) startKnowledge(bgCtx context.Context) error {
	embedder, err := rag.NewEmbedder(rag.EmbedderConfig{
		Provider:   a.cfg.RAG.EmbeddingProvider,
		Model:      a.cfg.RAG.EmbeddingModel,
		APIKey:     a.cfg.RAG.EmbeddingAPIKey,
		BaseURL:    a.cfg.RAG.EmbeddingBaseURL,
		Dimensions: a.cfg.RAG.EmbeddingDim,
	})
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	chat, err := rag.NewChatProvider(rag.ChatConfig{
		Provider: a.cfg.RAG.EmbeddingProvider,
		Model:    a.cfg.RAG.ChatModel,
		APIKey:   a.cfg.RAG.EmbeddingAPIKey,
		BaseURL:  a.cfg.RAG.EmbeddingBaseURL,
	})
	if err != nil {
		return fmt.Errorf("chat provider: %w", err)
	}
	chunker, err := rag.NewChunker(0, -1)
	if err != nil {
		return fmt.Errorf("chunker: %w", err)
	}
	ragStore, err := rag.NewStore(a.store.Pool(), a.queue, a.cfg.RAG.VectorPath, embedder)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}

	a.indexer = rag.NewIndexer(ragStore, chunker, embedder, a.store.Pool(),
		a.eventBus, a.cfg.Project.Root, a.cfg.RAG.Interval())
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.indexer.Run(bgCtx)
	}()

	a.knowledge = rag.NewEngine(ragStore, chat, a.eventBus, a.cfg.RAG.MaxResults)
	a.log.Info("Knowledge engine started",
		zap.String("root", a.cfg.Project.Root),
		zap.Duration("interval", a.cfg.RAG.Interval()))
	return nil
}

// monitorSessions flags agents that have gone quiet for ten call timeouts.
func (a *App) monitorSessions(ctx context.Context) {
	staleAfter := a.cfg.Dispatch.Timeout() * staleAgentFactor
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := a.agents.MarkStale(ctx, staleAfter)
			if err != nil {
				a.log.Warn("Stale agent sweep failed", zap.Error(err))
			} else if len(stale) > 0 {
				a.log.Info("Marked stale agents", zap.Strings("agents", stale))
			}
		}
	}
}

// Shutdown stops the listeners, cancels background loops, drains the
// write queue and closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.ready.Store(false)
	a.log.Info("Shutting down")

	var firstErr error
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}
	if a.mcp != nil {
		if err := a.mcp.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp shutdown: %w", err)
		}
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.bg.Wait()

	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			a.log.Warn("Write queue drain incomplete",
				zap.Int("backlog", a.queue.Depth()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if a.eventBus != nil {
		a.eventBus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := tracing.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	a.log.Info("Agenthive stopped")
	return firstErr
}
