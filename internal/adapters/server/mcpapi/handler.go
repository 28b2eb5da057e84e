// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/evanschultz/tally/internal/adapters/server/common"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter exposing the counting tools.
func NewHandler(cfg Config, service common.CountingService) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("counting service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerSessionTools(mcpSrv, service)
	registerCountTools(mcpSrv, service)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "tally"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// registerSessionTools registers read and lifecycle tools for the active session.
func registerSessionTools(srv *mcpserver.MCPServer, service common.CountingService) {
	srv.AddTool(
		mcp.NewTool(
			"tally.active_session",
			mcp.WithDescription("Return the active counting session with its roster."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			session, err := service.ActiveSession(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("active_session", session)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tally.statistics",
			mcp.WithDescription("Return progress and timing for the active session."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			stats, err := service.Statistics(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("statistics", stats)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tally.history",
			mcp.WithDescription("List archived sessions, most recent first."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			history, err := service.History(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("history", map[string]any{"sessions": history})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tally.complete_session",
			mcp.WithDescription("Complete the active session and archive it to history."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			session, err := service.CompleteSession(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("complete_session", session)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tally.export_session",
			mcp.WithDescription("Export the active session, or an archived session by id."),
			mcp.WithString("session_id", mcp.Description("Archived session id (defaults to the active session)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			result, err := service.ExportSession(ctx, req.GetString("session_id", ""))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("export_session", result)
		},
	)
}

// registerCountTools registers count and search tools.
func registerCountTools(srv *mcpserver.MCPServer, service common.CountingService) {
	srv.AddTool(
		mcp.NewTool(
			"tally.count_item",
			mcp.WithDescription("Record a counted quantity for one identifier in the active session."),
			mcp.WithString("identifier", mcp.Required(), mcp.Description("Scanned or typed identifier")),
			mcp.WithString("quantity", mcp.Description("Whole number >= 0 (defaults to the stored default quantity)")),
			mcp.WithString("notes", mcp.Description("Free-form notes stored on the item")),
			mcp.WithString("source", mcp.Description("Identifier source, e.g. scanner or manual")),
			mcp.WithNumber("confidence", mcp.Description("Recognition confidence between 0 and 1")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if _, err := req.RequireString("identifier"); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			var in common.CountItemRequest
			if err := req.BindArguments(&in); err != nil {
				return mcp.NewToolResultError("invalid_request: " + err.Error()), nil
			}
			if strings.TrimSpace(in.Source) == "" {
				in.Source = "mcp"
			}
			result, err := service.CountItem(ctx, in)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("count_item", result)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"tally.search_items",
			mcp.WithDescription("Search the active roster by identifier, barcode, or description."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Case-insensitive search text")),
			mcp.WithBoolean("include_descriptions", mcp.Description("Match descriptions too (defaults to the stored preference)")),
			mcp.WithNumber("limit", mcp.Description("Maximum results (defaults to the stored preference)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			query, err := req.RequireString("query")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			var args struct {
				IncludeDescriptions *bool `json:"include_descriptions"`
			}
			if err := req.BindArguments(&args); err != nil {
				return mcp.NewToolResultError("invalid_request: " + err.Error()), nil
			}
			in := common.SearchRequest{
				Query:               query,
				IncludeDescriptions: args.IncludeDescriptions,
				Limit:               req.GetInt("limit", 0),
			}
			result, err := service.SearchItems(ctx, in)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("search_items", result)
		},
	)
}

// jsonResult encodes one tool payload as structured JSON content.
func jsonResult(tool string, payload any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	return mcp.NewToolResultError(common.ErrorCode(err) + ": " + err.Error())
}
