// CLAUDE:SUMMARY Registers furet_search and furet_get_search MCP tools via kit.RegisterMCPTool.
package quest

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/furet/kit"
)

// RegisterMCP registers search tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSearchTool(srv)
	s.registerGetTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

// --- search ---

type searchReq struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

func (s *Service) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "furet_search",
		Description: "Run an agent-driven web search for a query and return the cited summary record.",
		InputSchema: inputSchema(map[string]any{
			"user_id": map[string]any{"type": "string", "description": "Authenticated user identifier"},
			"query":   map[string]any{"type": "string", "description": "Natural-language question"},
		}, []string{"user_id", "query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*searchReq)
		if r.Query == "" {
			return nil, errors.New("query is required")
		}
		sr := SearchRequest{RawQuery: r.Query, SearchID: s.cfg.IDs(), UserID: r.UserID}
		// MCP callers get the final record, not the stream.
		if err := s.Run(ctx, sr, NewSink(io.Discard)); err != nil {
			return nil, err
		}
		return s.records.Get(ctx, sr.UserID, sr.SearchID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r searchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request: &r,
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithTransport(kit.WithUserID(ctx, r.UserID), "mcp")
			},
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- get ---

type getSearchReq struct {
	UserID   string `json:"user_id"`
	SearchID string `json:"search_id"`
}

func (s *Service) registerGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "furet_get_search",
		Description: "Fetch a persisted search record by its identifier.",
		InputSchema: inputSchema(map[string]any{
			"user_id":   map[string]any{"type": "string", "description": "Authenticated user identifier"},
			"search_id": map[string]any{"type": "string", "description": "Search identifier"},
		}, []string{"user_id", "search_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getSearchReq)
		rec, err := s.records.Get(ctx, r.UserID, r.SearchID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, errors.New("search not found")
		}
		return rec, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r getSearchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
