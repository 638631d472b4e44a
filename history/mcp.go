package history

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/viewtrail/kit"
)

// RegisterMCP registers the history tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerStartScan(srv)
	s.registerStopScan(srv)
	s.registerScanStatus(srv)
	s.registerScanRuns(srv)
	s.registerAnalyze(srv)
	s.registerClear(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

var uidProperty = map[string]any{"type": "string", "description": "Numeric user ID"}

// decodeInto returns a decode func that unmarshals the tool arguments into a
// fresh *T and tags the context with the user id.
func decodeInto[T any](uid func(*T) string) func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		p := new(T)
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, p); err != nil {
				return nil, err
			}
		}
		id := uid(p)
		return &kit.MCPDecodeResult{
			Request:   p,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithUserID(ctx, id) },
		}, nil
	}
}

func (s *Service) registerStartScan(srv *mcp.Server) {
	type req struct {
		UserID string `json:"user_id"`
		Cookie string `json:"cookie"`
	}
	tool := &mcp.Tool{
		Name:        "history_start_scan",
		Description: "Start a background incremental watch-history scan for a user",
		InputSchema: inputSchema(map[string]any{
			"user_id": uidProperty,
			"cookie":  map[string]any{"type": "string", "description": "Authenticated session cookie header"},
		}, []string{"user_id", "cookie"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.StartScan(ctx, p.UserID, p.Cookie)
	}
	kit.RegisterMCPTool(srv, tool, kit.WithLogging(s.logger, tool.Name)(endpoint),
		decodeInto(func(p *req) string { return p.UserID }))
}

func (s *Service) registerStopScan(srv *mcp.Server) {
	type req struct {
		UserID string `json:"user_id"`
	}
	tool := &mcp.Tool{
		Name:        "history_stop_scan",
		Description: "Stop a user's running scan after its current page",
		InputSchema: inputSchema(map[string]any{"user_id": uidProperty}, []string{"user_id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		stopped, err := s.StopScan(r.(*req).UserID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"stopped": stopped}, nil
	}
	kit.RegisterMCPTool(srv, tool, kit.WithLogging(s.logger, tool.Name)(endpoint),
		decodeInto(func(p *req) string { return p.UserID }))
}

func (s *Service) registerScanStatus(srv *mcp.Server) {
	type req struct {
		UserID string `json:"user_id"`
	}
	tool := &mcp.Tool{
		Name:        "history_scan_status",
		Description: "Get a user's scan status, or idle with stored totals",
		InputSchema: inputSchema(map[string]any{"user_id": uidProperty}, []string{"user_id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.ScanStatus(r.(*req).UserID), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto(func(p *req) string { return p.UserID }))
}

func (s *Service) registerScanRuns(srv *mcp.Server) {
	type req struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "history_scan_runs",
		Description: "List a user's recent scan runs, newest first",
		InputSchema: inputSchema(map[string]any{
			"user_id": uidProperty,
			"limit":   map[string]any{"type": "integer", "description": "Max runs (default 50)"},
		}, []string{"user_id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ScanRuns(ctx, p.UserID, p.Limit)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto(func(p *req) string { return p.UserID }))
}

func (s *Service) registerAnalyze(srv *mcp.Server) {
	type req struct {
		UserID string `json:"user_id"`
		Stats  *Stats `json:"stats"`
	}
	tool := &mcp.Tool{
		Name:        "history_analyze",
		Description: "Analyze a user's stored history; returns the cached result while the data is unchanged",
		InputSchema: inputSchema(map[string]any{
			"user_id": uidProperty,
			"stats": map[string]any{
				"type":        "object",
				"description": "Optional summary: total, matched, percentage, breakdown",
			},
		}, []string{"user_id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.Analyze(ctx, p.UserID, nil, p.Stats)
	}
	kit.RegisterMCPTool(srv, tool, kit.WithLogging(s.logger, tool.Name)(endpoint),
		decodeInto(func(p *req) string { return p.UserID }))
}

func (s *Service) registerClear(srv *mcp.Server) {
	type req struct {
		UserID string `json:"user_id"`
	}
	tool := &mcp.Tool{
		Name:        "history_clear",
		Description: "Delete a user's stored history and stop any running scan",
		InputSchema: inputSchema(map[string]any{"user_id": uidProperty}, []string{"user_id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		if err := s.ClearRecord(ctx, r.(*req).UserID); err != nil {
			return nil, err
		}
		return map[string]bool{"cleared": true}, nil
	}
	kit.RegisterMCPTool(srv, tool, kit.WithLogging(s.logger, tool.Name)(endpoint),
		decodeInto(func(p *req) string { return p.UserID }))
}
