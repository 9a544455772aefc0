package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/storage"
)

const recentJobsURI = "sessiond://jobs/recent"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Ingester Ingester
}

// NewMCPServer creates an MCP server with all sessiond tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sessiond",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sessiond ingests coding assistant session logs into durable conversations and reports on ingestion jobs."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("ingest_file",
			mcp.WithDescription("Ingest a local session log file and return the resulting ingestion job."),
			mcp.WithString("path", mcp.Description("Absolute path of the log file"), mcp.Required()),
			mcp.WithString("update_mode", mcp.Description("skip (default), replace, append or auto")),
		),
		mcpIngestFile(deps),
	)

	s.AddTool(
		mcp.NewTool("get_ingestion_job",
			mcp.WithDescription("Fetch one ingestion job with its metrics and warnings."),
			mcp.WithString("id", mcp.Description("Ingestion job id"), mcp.Required()),
		),
		mcpGetIngestionJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch a conversation by id or session key, including its raw log progress."),
			mcp.WithString("id", mcp.Description("Conversation id or session key"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_jobs",
			mcp.WithDescription("List the most recent ingestion jobs."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 10)")),
			mcp.WithString("status", mcp.Description("Filter by status: running, success, duplicate, skipped, failed")),
		),
		mcpRecentJobs(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			recentJobsURI,
			"Recent Ingestion Jobs",
			mcp.WithResourceDescription("Last 10 ingestion jobs as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

func mcpIngestFile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		mode, err := ingest.ParseUpdateMode(req.GetString("update_mode", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := deps.Ingester.Ingest(ctx, ingest.Request{Path: path, Source: ingest.SourceCLI, Mode: mode})
		view := ingestView(res, path)
		if err != nil {
			view.Error = err.Error()
			b, _ := json.Marshal(view)
			return mcpError(string(b)), nil
		}
		return mcpJSON(view)
	}
}

func mcpGetIngestionJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		job, err := deps.Store.GetIngestionJob(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("ingestion job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get ingestion job: %v", err)), nil
		}
		return mcpJSON(jobView(*job))
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		conv, err := deps.Store.GetConversation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			conv, err = deps.Store.ConversationBySessionKey(ctx, id)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("conversation %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get conversation: %v", err)), nil
		}
		states, err := deps.Store.RawLogStatesForConversation(ctx, conv.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load raw log state: %v", err)), nil
		}
		return mcpJSON(conversationView(conv, states))
	}
}

func mcpRecentJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		views, err := recentJobs(ctx, deps.Store, storage.IngestionJobFilter{
			Status: req.GetString("status", ""),
			Limit:  limit,
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(views)
	}
}

func mcpResourceRecentJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		views, err := recentJobs(ctx, deps.Store, storage.IngestionJobFilter{Limit: 10})
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
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

func recentJobs(ctx context.Context, store *storage.Store, f storage.IngestionJobFilter) ([]JobView, error) {
	jobs, err := store.ListIngestionJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
	}
	views := make([]JobView, len(jobs))
	for i, j := range jobs {
		views[i] = jobView(j)
	}
	return views, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
