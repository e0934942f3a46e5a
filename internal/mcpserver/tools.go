package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/tools"
)

// registerTools bridges every catalog entry onto the MCP server. The MCP
// layer stays thin: token extraction, dispatch, and result shaping; all
// policy lives in the dispatcher.
func registerTools(s *server.MCPServer, registry *tools.Registry, dispatcher *tools.Dispatcher, log *logger.Logger) {
	for _, tool := range registry.List() {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			// Schemas are static literals; a marshal failure is a bug.
			panic(fmt.Sprintf("tool %q schema: %v", tool.Name, err))
		}
		s.AddTool(
			mcp.NewToolWithRawSchema(tool.Name, tool.Description, schema),
			callHandler(tool.Name, dispatcher),
		)
	}
	log.Info("Registered MCP tools", zap.Int("count", len(registry.List())))
}

func callHandler(name string, dispatcher *tools.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		token := callToken(ctx, args)

		result, err := dispatcher.Dispatch(ctx, token, name, args)
		if err != nil {
			return mcp.NewToolResultError(wireError(err)), nil
		}

		body, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(wireError(
				apperr.Wrap(apperr.KindInternal, err, "encode tool result"))), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// wireError renders a dispatch failure with its taxonomy code so clients
// can branch on the error class without parsing prose.
func wireError(err error) string {
	kind := apperr.KindOf(err)
	msg := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		msg = appErr.Msg
		if appErr.Field != "" {
			msg = appErr.Field + ": " + msg
		}
	}
	return fmt.Sprintf("%s (%d): %s", kind, kind.JSONRPCCode(), msg)
}
