package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/sessiond/internal/parser"
)

const sessionID = "4f1c2d3e-0000-4000-8000-000000000001"

var fixtureLines = []string{
	`{"type":"summary","summary":"Fix flaky test","leafUuid":"x"}`,
	`{"type":"user","uuid":"u1","sessionId":"` + sessionID + `","cwd":"/repo","gitBranch":"main","version":"1.0.80","timestamp":"2026-03-01T10:00:00.000Z","message":{"role":"user","content":"please read main.go"}}`,
	`{"type":"assistant","uuid":"a1","sessionId":"` + sessionID + `","timestamp":"2026-03-01T10:00:01.000Z","message":{"id":"msg_1","role":"assistant","model":"claude-sonnet","content":[{"type":"thinking","thinking":"need to read"},{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file_path":"/repo/main.go"}}],"usage":{"input_tokens":10,"output_tokens":5}}}`,
	`{"type":"user","uuid":"u2","sessionId":"` + sessionID + `","timestamp":"2026-03-01T10:00:02.000Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"package main"}]}}`,
	`{"type":"assistant","uuid":"a2","sessionId":"` + sessionID + `","timestamp":"2026-03-01T10:00:03.000Z","message":{"id":"msg_2","role":"assistant","model":"claude-sonnet","content":[{"type":"text","text":"It is a main package."}]}}`,
	`{"type":"system","subtype":"compact_boundary","sessionId":"` + sessionID + `","timestamp":"2026-03-01T10:05:00.000Z"}`,
	`{"type":"user","uuid":"u3","sessionId":"` + sessionID + `","isCompactSummary":true,"timestamp":"2026-03-01T10:05:01.000Z","message":{"role":"user","content":"Summary of earlier work"}}`,
	`{"type":"assistant","uuid":"a3","sessionId":"` + sessionID + `","isApiErrorMessage":true,"timestamp":"2026-03-01T10:05:02.000Z","message":{"id":"msg_3","role":"assistant","content":[{"type":"text","text":"API Error: overloaded"}]}}`,
	`{"type":"file-history-snapshot","messageId":"m","snapshot":{}}`,
}

func writeLog(t *testing.T, lines []string, trailing string) (string, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), sessionID+".jsonl")
	content := strings.Join(lines, "\n") + "\n" + trailing
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing log: %v", err)
	}
	return path, int64(len(content))
}

func TestCanParse(t *testing.T) {
	p := New()
	path, _ := writeLog(t, fixtureLines, "")
	score, err := p.CanParse(path)
	if err != nil {
		t.Fatalf("CanParse: %v", err)
	}
	if score < 0.9 {
		t.Errorf("score = %v, want >= 0.9", score)
	}

	other := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(other, []byte("hello\nworld\n"), 0o644)
	if score, _ := p.CanParse(other); score != 0 {
		t.Errorf("plain text score = %v, want 0", score)
	}
}

func TestSessionID(t *testing.T) {
	p := New()
	path, size := writeLog(t, fixtureLines, "")
	id, err := p.SessionID(parser.Source{Path: path, Size: size})
	if err != nil {
		t.Fatalf("SessionID: %v", err)
	}
	if id != sessionID {
		t.Errorf("SessionID = %q, want %q", id, sessionID)
	}
}

func TestSessionID_Sidechain(t *testing.T) {
	p := New()
	lines := []string{
		`{"type":"user","uuid":"s1","sessionId":"parent-session","isSidechain":true,"agentId":"a1b2","timestamp":"2026-03-01T10:00:00Z","message":{"role":"user","content":"sub task"}}`,
	}
	path, size := writeLog(t, lines, "")
	id, _ := p.SessionID(parser.Source{Path: path, Size: size})
	if id != "agent-a1b2" {
		t.Errorf("SessionID = %q, want agent-a1b2", id)
	}
	res, err := p.ParseFull(context.Background(), parser.Source{Path: path, Size: size})
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}
	if res.Conversation.Session.ParentID != "parent-session" {
		t.Errorf("ParentID = %q, want parent-session", res.Conversation.Session.ParentID)
	}
}

// TestParseFull verifies messages, tool calls and results, touches, epochs and metadata.
func TestParseFull(t *testing.T) {
	p := New()
	path, size := writeLog(t, fixtureLines, "")
	res, err := p.ParseFull(context.Background(), parser.Source{Path: path, Size: size})
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}
	conv := res.Conversation

	if res.Offset != size || res.Line != len(fixtureLines) {
		t.Errorf("Offset/Line = %d/%d, want %d/%d", res.Offset, res.Line, size, len(fixtureLines))
	}
	if conv.Session.ID != sessionID {
		t.Errorf("Session.ID = %q", conv.Session.ID)
	}
	if conv.Session.Metadata["summary"] != "Fix flaky test" || conv.Session.Metadata["cwd"] != "/repo" {
		t.Errorf("Metadata = %v", conv.Session.Metadata)
	}
	if len(conv.Messages) != 5 {
		t.Fatalf("len(Messages) = %d, want 5", len(conv.Messages))
	}

	read := conv.Messages[1]
	if read.Thinking != "need to read" || len(read.ToolCalls) != 1 || read.ToolCalls[0].Name != "Read" {
		t.Errorf("assistant tool message = %+v", read)
	}
	if len(read.FileTouches) != 1 || read.FileTouches[0].Path != "/repo/main.go" {
		t.Errorf("FileTouches = %+v", read.FileTouches)
	}
	if read.InputTokens != 10 || read.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", read.InputTokens, read.OutputTokens)
	}
	if len(conv.ToolResults) != 1 || conv.ToolResults[0].ToolUseID != "toolu_1" || conv.ToolResults[0].Content != "package main" {
		t.Errorf("ToolResults = %+v", conv.ToolResults)
	}

	if conv.EpochBoundaries != 1 {
		t.Errorf("EpochBoundaries = %d, want 1", conv.EpochBoundaries)
	}
	summary := conv.Messages[3]
	if summary.Epoch != 1 || summary.Kind != "compact_summary" {
		t.Errorf("compact summary message = %+v", summary)
	}
	apiErr := conv.Messages[4]
	if apiErr.Role != "system" || apiErr.Kind != "error" {
		t.Errorf("api error message role/kind = %s/%s", apiErr.Role, apiErr.Kind)
	}
	if res.Metrics.Ignored == 0 {
		t.Error("expected the snapshot line to be counted as ignored")
	}
}

// TestParseIncremental_MatchesFull verifies parsing in two steps yields the
// same messages as one full parse.
func TestParseIncremental_MatchesFull(t *testing.T) {
	p := New()
	ctx := context.Background()
	path, size := writeLog(t, fixtureLines, "")
	full, err := p.ParseFull(ctx, parser.Source{Path: path, Size: size})
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}

	head := strings.Join(fixtureLines[:4], "\n") + "\n"
	first, err := p.ParseFull(ctx, parser.Source{Path: path, Size: int64(len(head))})
	if err != nil {
		t.Fatalf("ParseFull(head): %v", err)
	}
	rest, err := p.ParseIncremental(ctx, parser.Source{Path: path, Size: size}, first.Offset, first.Line)
	if err != nil {
		t.Fatalf("ParseIncremental: %v", err)
	}
	if rest.StartOffset != int64(len(head)) || rest.Offset != size {
		t.Errorf("incremental range = %d..%d", rest.StartOffset, rest.Offset)
	}

	got := append(first.Conversation.Messages, rest.Conversation.Messages...)
	if len(got) != len(full.Conversation.Messages) {
		t.Fatalf("messages = %d, want %d", len(got), len(full.Conversation.Messages))
	}
	for i := range got {
		if got[i].Content != full.Conversation.Messages[i].Content || got[i].Role != full.Conversation.Messages[i].Role {
			t.Errorf("message %d differs: %+v vs %+v", i, got[i], full.Conversation.Messages[i])
		}
	}
}

// TestParse_PartialTrailingLine verifies an unterminated last line is not consumed.
func TestParse_PartialTrailingLine(t *testing.T) {
	p := New()
	path, size := writeLog(t, fixtureLines[:2], `{"type":"assistant","uuid":"a9"`)
	res, err := p.ParseFull(context.Background(), parser.Source{Path: path, Size: size})
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}
	want := int64(len(strings.Join(fixtureLines[:2], "\n") + "\n"))
	if res.Offset != want {
		t.Errorf("Offset = %d, want %d", res.Offset, want)
	}
	if res.Line != 2 {
		t.Errorf("Line = %d, want 2", res.Line)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

// TestParse_MalformedLineIsWarning verifies bad lines degrade to warnings.
func TestParse_MalformedLineIsWarning(t *testing.T) {
	p := New()
	lines := []string{fixtureLines[1], `{not json`, fixtureLines[4]}
	path, size := writeLog(t, lines, "")
	res, err := p.ParseFull(context.Background(), parser.Source{Path: path, Size: size})
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}
	if len(res.Conversation.Messages) != 2 {
		t.Errorf("Messages = %d, want 2", len(res.Conversation.Messages))
	}
	if res.Metrics.Malformed != 1 || len(res.Warnings) != 1 {
		t.Fatalf("Malformed = %d, warnings = %v", res.Metrics.Malformed, res.Warnings)
	}
	if !strings.Contains(res.Warnings[0], "line 2") {
		t.Errorf("warning %q should name line 2", res.Warnings[0])
	}
}

func TestParseFull_FormatError(t *testing.T) {
	p := New()
	path, size := writeLog(t, []string{`{"hello":"world"}`, `{"foo":1}`}, "")
	_, err := p.ParseFull(context.Background(), parser.Source{Path: path, Size: size})
	if !errors.Is(err, parser.ErrParseFormat) {
		t.Errorf("err = %v, want ErrParseFormat", err)
	}
}

func TestParse_ContextCancelled(t *testing.T) {
	p := New()
	path, size := writeLog(t, fixtureLines, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ParseFull(ctx, parser.Source{Path: path, Size: size}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestParseIncremental_OffsetPastSize(t *testing.T) {
	p := New()
	path, size := writeLog(t, fixtureLines[:1], "")
	_, err := p.ParseIncremental(context.Background(), parser.Source{Path: path, Size: size}, size+10, 3)
	if !errors.Is(err, parser.ErrParseData) {
		t.Errorf("err = %v, want ErrParseData", err)
	}
}
