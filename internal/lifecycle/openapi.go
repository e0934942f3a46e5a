package lifecycle

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleOpenAPI describes the HTTP surface. Tool semantics live behind
// the MCP endpoints, so only transports and probes appear here.
func (a *App) handleOpenAPI(c *gin.Context) {
	doc := gin.H{
		"openapi": "3.0.3",
		"info": gin.H{
			"title":       "Agenthive",
			"description": "Multi-agent orchestration server. Tools are invoked over MCP (/mcp streamable HTTP, /sse + /message SSE, or stdio); realtime change feeds stream over WebSocket.",
			"version":     "1.0.0",
		},
		"paths": gin.H{
			"/health": gin.H{"get": gin.H{
				"summary":   "Component health: pool stats, queue depth, RAG cycle age, gateway clients, bus connectivity",
				"responses": gin.H{"200": gin.H{"description": "health report"}},
			}},
			"/ready": gin.H{"get": gin.H{
				"summary":   "Readiness probe (registries hydrated, database reachable)",
				"responses": gin.H{"200": gin.H{"description": "ready"}, "503": gin.H{"description": "not ready"}},
			}},
			"/live": gin.H{"get": gin.H{
				"summary":   "Liveness probe",
				"responses": gin.H{"200": gin.H{"description": "alive"}},
			}},
			"/metrics": gin.H{"get": gin.H{
				"summary":   "Prometheus metrics",
				"responses": gin.H{"200": gin.H{"description": "exposition format"}},
			}},
			"/ws": gin.H{"get": gin.H{
				"summary":    "WebSocket feed for all event channels",
				"parameters": []gin.H{bearerQueryParam()},
				"responses":  gin.H{"101": gin.H{"description": "switching protocols"}},
			}},
			"/ws/{channel}": gin.H{"get": gin.H{
				"summary": "WebSocket feed for one event channel (tasks, agents, context, security, rag)",
				"parameters": []gin.H{
					{"name": "channel", "in": "path", "required": true, "schema": gin.H{"type": "string"}},
					bearerQueryParam(),
				},
				"responses": gin.H{"101": gin.H{"description": "switching protocols"}},
			}},
			"/mcp": gin.H{"post": gin.H{
				"summary":   "MCP streamable HTTP transport (JSON-RPC)",
				"responses": gin.H{"200": gin.H{"description": "JSON-RPC response"}},
			}},
			"/sse": gin.H{"get": gin.H{
				"summary":   "MCP SSE transport stream (POST messages to /message)",
				"responses": gin.H{"200": gin.H{"description": "event stream"}},
			}},
		},
		"components": gin.H{
			"securitySchemes": gin.H{
				"bearerAuth": gin.H{"type": "http", "scheme": "bearer"},
			},
		},
		"security": []gin.H{{"bearerAuth": []string{}}},
	}
	c.JSON(http.StatusOK, doc)
}

func bearerQueryParam() gin.H {
	return gin.H{
		"name":        "token",
		"in":          "query",
		"required":    false,
		"description": "Bearer token for clients that cannot set headers",
		"schema":      gin.H{"type": "string"},
	}
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
  <title>Agenthive API</title>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>body { margin: 0; }</style>
</head>
<body>
  <redoc spec-url="/openapi.json"></redoc>
  <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>`

func handleDocs(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(docsPage))
}
