package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/companion/internal/chat"
	"github.com/kalambet/companion/internal/history"
	"github.com/kalambet/companion/internal/retrieval"
	"github.com/kalambet/companion/internal/storage"
)

// mcpRoute is the rate limit route for chat turns arriving over MCP.
const mcpRoute = "mcp/chat"

// NewMCPServer creates an MCP server with the companion tools and resources
// registered.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"companion",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("companion: chat with personas that remember the conversation and their own documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send one message to a companion and return its reply."),
			mcp.WithString("companion_id", mcp.Description("Companion ID"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Caller's user ID"), mcp.Required()),
			mcp.WithString("user_name", mcp.Description("Caller's display name"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("Message text"), mcp.Required()),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Semantically search a companion's documents."),
			mcp.WithString("companion_id", mcp.Description("Companion ID"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 3)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_history",
			mcp.WithDescription("Return the recent dialogue lines between a user and a companion, oldest first."),
			mcp.WithString("companion_id", mcp.Description("Companion ID"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("User ID"), mcp.Required()),
		),
		mcpRecentHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"companion://list",
			"Companions",
			mcp.WithResourceDescription("All companions as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCompanions(deps),
	)

	return s
}

func mcpChat(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		companionID, err := req.RequireString("companion_id")
		if err != nil {
			return mcpError("companion_id is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil || strings.TrimSpace(prompt) == "" {
			return mcpError("prompt is required"), nil
		}

		var out strings.Builder
		res, err := deps.Chat.Run(ctx, chat.Request{
			CompanionID: companionID,
			Route:       mcpRoute,
			Prompt:      prompt,
			Identity: chat.Identity{
				UserID: req.GetString("user_id", ""),
				Name:   req.GetString("user_name", ""),
			},
		}, &out)
		var rl *chat.RateLimitError
		switch {
		case errors.Is(err, chat.ErrUnauthorized):
			return mcpError("user_id and user_name are required"), nil
		case errors.As(err, &rl):
			return mcpError(fmt.Sprintf("rate limit exceeded, retry in %s", rl.RetryAfter.Round(time.Millisecond))), nil
		case errors.Is(err, chat.ErrNotFound):
			return mcpError("companion not found"), nil
		case err != nil:
			slog.Error("mcp chat failed", "companion_id", companionID, "error", err)
			return mcpError("internal error"), nil
		}
		return mcpText(res.Reply), nil
	}
}

func mcpRecall(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		companionID, err := req.RequireString("companion_id")
		if err != nil {
			return mcpError("companion_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", retrieval.DefaultTopK)
		if limit <= 0 {
			limit = retrieval.DefaultTopK
		}
		if limit > 50 {
			limit = 50
		}

		c, err := deps.Store.GetCompanion(companionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("companion not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get companion: %v", err)), nil
		}
		mgr, err := deps.Memory.Get(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("memory unavailable: %v", err)), nil
		}
		docs, err := mgr.VectorSearch(ctx, query, c.SourceFile(), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		b, err := json.Marshal(docsOrEmpty(docs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecentHistory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		companionID, err := req.RequireString("companion_id")
		if err != nil {
			return mcpError("companion_id is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		mgr, err := deps.Memory.Get(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("memory unavailable: %v", err)), nil
		}
		lines, err := mgr.ReadLatestHistory(ctx, history.Key{
			PersonaName: companionID,
			ModelName:   deps.Model,
			UserID:      userID,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read history: %v", err)), nil
		}
		return mcpText(strings.Join(lines, "\n")), nil
	}
}

func mcpResourceCompanions(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Store.ListCompanions(storage.CompanionFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to list companions: %w", err)
		}

		views := make([]companionView, len(list))
		for i, c := range list {
			views[i] = viewCompanion(c)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal companions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func docsOrEmpty(docs []retrieval.Document) []retrieval.Document {
	if docs == nil {
		return []retrieval.Document{}
	}
	return docs
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
