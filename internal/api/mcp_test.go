package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/parser"
	"github.com/kalambet/sessiond/internal/parser/claude"
	"github.com/kalambet/sessiond/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:    store,
		Ingester: ingest.NewOrchestrator(ingest.Deps{Store: store, Parsers: parser.NewRegistry(claude.New())}),
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func writeLog(t *testing.T, session string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), session+".jsonl")
	if err := os.WriteFile(path, []byte(claudeLine(session, "user", "hello")), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), req mcp.CallToolRequest) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// --- tests ---

func TestMCPTool_IngestFile(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	path := writeLog(t, "mcp-1")

	result := callTool(t, mcpIngestFile(deps), makeCallToolRequest("ingest_file", map[string]interface{}{
		"path": path,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var v IngestView
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if v.Status != storage.JobSuccess || v.MessagesAdded != 1 {
		t.Fatalf("unexpected result: %+v", v)
	}

	conv, err := store.ConversationBySessionKey(context.Background(), "mcp-1")
	if err != nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	if conv.ID != v.ConversationID {
		t.Errorf("conversation id = %s, want %s", conv.ID, v.ConversationID)
	}
}

func TestMCPTool_IngestFile_BadMode(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpIngestFile(deps), makeCallToolRequest("ingest_file", map[string]interface{}{
		"path":        "/tmp/x.jsonl",
		"update_mode": "merge",
	}))
	if !result.IsError {
		t.Fatal("expected error for unknown update mode")
	}
}

func TestMCPTool_IngestFile_Missing(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpIngestFile(deps), makeCallToolRequest("ingest_file", map[string]interface{}{
		"path": filepath.Join(t.TempDir(), "absent.jsonl"),
	}))
	if !result.IsError {
		t.Fatal("expected error for missing file")
	}
}

func TestMCPTool_GetIngestionJobAndConversation(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ingested := callTool(t, mcpIngestFile(deps), makeCallToolRequest("ingest_file", map[string]interface{}{
		"path": writeLog(t, "mcp-2"),
	}))
	var v IngestView
	json.Unmarshal([]byte(toolText(t, ingested)), &v)

	result := callTool(t, mcpGetIngestionJob(deps), makeCallToolRequest("get_ingestion_job", map[string]interface{}{"id": v.JobID}))
	var job JobView
	if err := json.Unmarshal([]byte(toolText(t, result)), &job); err != nil {
		t.Fatalf("failed to parse job: %v", err)
	}
	if job.ID != v.JobID || job.Status != storage.JobSuccess || job.ParserName != claude.Name {
		t.Errorf("job = %+v", job)
	}

	result = callTool(t, mcpGetConversation(deps), makeCallToolRequest("get_conversation", map[string]interface{}{"id": "mcp-2"}))
	var conv ConversationView
	if err := json.Unmarshal([]byte(toolText(t, result)), &conv); err != nil {
		t.Fatalf("failed to parse conversation: %v", err)
	}
	if conv.ID != v.ConversationID || conv.MessageCount != 1 {
		t.Errorf("conversation = %+v", conv)
	}

	result = callTool(t, mcpGetIngestionJob(deps), makeCallToolRequest("get_ingestion_job", map[string]interface{}{"id": "nope"}))
	if !result.IsError {
		t.Error("expected error for unknown job")
	}
}

func TestMCPTool_RecentJobsAndResource(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	path := writeLog(t, "mcp-3")
	ingestFn := mcpIngestFile(deps)
	callTool(t, ingestFn, makeCallToolRequest("ingest_file", map[string]interface{}{"path": path}))
	callTool(t, ingestFn, makeCallToolRequest("ingest_file", map[string]interface{}{"path": path}))

	result := callTool(t, mcpRecentJobs(deps), makeCallToolRequest("recent_jobs", map[string]interface{}{"status": storage.JobDuplicate}))
	var jobs []JobView
	if err := json.Unmarshal([]byte(toolText(t, result)), &jobs); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 duplicate job, got %d", len(jobs))
	}

	contents, err := mcpResourceRecentJobs(deps)(context.Background(), makeReadResourceRequest(recentJobsURI))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var all []json.RawMessage
	if err := json.Unmarshal([]byte(tc.Text), &all); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
}

func TestMCPServer_ConcurrentIngest(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	path := writeLog(t, "mcp-4")
	handler := mcpIngestFile(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := handler(context.Background(), makeCallToolRequest("ingest_file", map[string]interface{}{"path": path}))
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}

	counts, err := store.CountRows(context.Background())
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if counts.Conversations != 1 || counts.Messages != 1 {
		t.Errorf("counts = %+v, want one conversation with one message", counts)
	}
}
