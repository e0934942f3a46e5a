package lifecycle

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/httpmw"
	"github.com/agenthive/agenthive/internal/gateway"
)

// startHTTP binds the shared listener and mounts every HTTP surface on
// one gin router: health probes, metrics, WebSocket fan-out and the MCP
// transports.
func (a *App) startHTTP() error {
	if !strings.EqualFold(a.cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(a.log, "agenthive"))
	router.Use(httpmw.OtelTracing("agenthive"))

	router.GET("/health", a.handleHealth)
	router.GET("/ready", a.handleReady)
	router.GET("/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/metrics", gin.WrapH(a.met.Handler()))
	router.GET("/openapi.json", a.handleOpenAPI)
	router.GET("/docs", handleDocs)

	gateway.SetupRoutes(router, gateway.NewWSHandler(a.hub, a.authReg))

	mcpHandler := a.mcp.Handler()
	for _, path := range []string{"/sse", "/message", "/mcp"} {
		router.Any(path, gin.WrapH(mcpHandler))
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.listener = listener

	a.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: a.cfg.Server.WriteTimeoutDuration(),
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.log.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) handleHealth(c *gin.Context) {
	writer, reader := a.store.Pool().Stats()

	health := gin.H{
		"status":  "ok",
		"service": "agenthive",
		"database": gin.H{
			"backend":        a.store.Pool().DriverName(),
			"writer_in_use":  writer.InUse,
			"writer_open":    writer.OpenConnections,
			"reader_in_use":  reader.InUse,
			"reader_open":    reader.OpenConnections,
			"wait_count":     writer.WaitCount + reader.WaitCount,
		},
		"write_queue": gin.H{"depth": a.queue.Depth()},
		"gateway":     gin.H{"clients": a.hub.ClientCount()},
		"event_bus":   gin.H{"connected": a.eventBus.IsConnected()},
	}

	ragStatus := gin.H{"enabled": a.indexer != nil}
	if a.indexer != nil {
		if last := a.indexer.LastCycle(); !last.IsZero() {
			ragStatus["last_cycle_age_seconds"] = int(time.Since(last).Seconds())
		}
	}
	health["rag"] = ragStatus

	c.JSON(http.StatusOK, health)
}

func (a *App) handleReady(c *gin.Context) {
	if !a.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	if err := a.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// corsMiddleware allows browser dashboards to reach the HTTP and
// WebSocket endpoints from any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
