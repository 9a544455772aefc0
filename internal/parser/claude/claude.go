// Package claude parses Claude Code session logs: one JSON object per
// line under ~/.claude/projects/<project>/<session>.jsonl.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kalambet/sessiond/internal/parser"
)

const (
	Name      = "claude-code"
	Version   = "1"
	AgentType = "claude-code"

	probeBytes = 256 * 1024
	probeLines = 64
)

// Line types written by Claude Code.
const (
	typeUser                = "user"
	typeAssistant           = "assistant"
	typeSystem              = "system"
	typeSummary             = "summary"
	typeFileHistorySnapshot = "file-history-snapshot"
	typeQueueOperation      = "queue-operation"

	subtypeCompactBoundary = "compact_boundary"
)

type line struct {
	Type              string          `json:"type"`
	Subtype           string          `json:"subtype,omitempty"`
	UUID              string          `json:"uuid,omitempty"`
	Timestamp         string          `json:"timestamp,omitempty"`
	SessionID         string          `json:"sessionId,omitempty"`
	AgentID           string          `json:"agentId,omitempty"`
	IsSidechain       bool            `json:"isSidechain,omitempty"`
	Cwd               string          `json:"cwd,omitempty"`
	GitBranch         string          `json:"gitBranch,omitempty"`
	Version           string          `json:"version,omitempty"`
	IsMeta            bool            `json:"isMeta,omitempty"`
	IsCompactSummary  bool            `json:"isCompactSummary,omitempty"`
	IsAPIErrorMessage bool            `json:"isApiErrorMessage,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Message           json.RawMessage `json:"message,omitempty"`
}

type apiMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func knownType(t string) bool {
	switch t {
	case typeUser, typeAssistant, typeSystem, typeSummary, typeFileHistorySnapshot, typeQueueOperation:
		return true
	}
	return false
}

// Parser implements parser.Parser and parser.SessionIdentifier.
type Parser struct{}

func New() *Parser { return &Parser{} }

func (p *Parser) Name() string    { return Name }
func (p *Parser) Version() string { return Version }

// CanParse inspects the first complete lines of path.
func (p *Parser) CanParse(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, probeBytes))
	known, identified := 0, false
	for i := 0; i < probeLines; i++ {
		b, err := r.ReadBytes('\n')
		if err != nil {
			break
		}
		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			continue
		}
		var ln line
		if json.Unmarshal(b, &ln) != nil {
			continue
		}
		if knownType(ln.Type) {
			known++
			if ln.SessionID != "" {
				identified = true
				break
			}
		}
	}
	switch {
	case identified:
		return 0.9, nil
	case known > 0:
		return 0.6, nil
	}
	return 0, nil
}

// SessionID returns the session key declared by the log. Sub-agent
// sidechain logs get their own key derived from the agent id.
func (p *Parser) SessionID(src parser.Source) (string, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	limit := src.Size
	if limit <= 0 || limit > probeBytes*4 {
		limit = probeBytes * 4
	}
	r := bufio.NewReader(io.LimitReader(f, limit))
	for {
		b, err := r.ReadBytes('\n')
		if err != nil {
			return "", nil
		}
		var ln line
		if json.Unmarshal(bytes.TrimSpace(b), &ln) != nil {
			continue
		}
		if id, _ := sessionKey(ln); id != "" {
			return id, nil
		}
	}
}

// sessionKey returns the session key and declared parent for a line.
func sessionKey(ln line) (string, string) {
	if ln.SessionID == "" {
		return "", ""
	}
	if ln.IsSidechain && ln.AgentID != "" {
		return "agent-" + ln.AgentID, ln.SessionID
	}
	return ln.SessionID, ""
}

func (p *Parser) ParseFull(ctx context.Context, src parser.Source) (*parser.ParseResult, error) {
	res, err := p.parse(ctx, src, 0, 0)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Parser) ParseIncremental(ctx context.Context, src parser.Source, lastOffset int64, lastLine int) (*parser.IncrementalParseResult, error) {
	res, err := p.parse(ctx, src, lastOffset, lastLine)
	if err != nil {
		return nil, err
	}
	return &parser.IncrementalParseResult{ParseResult: *res, StartOffset: lastOffset, StartLine: lastLine}, nil
}

// state accumulates one parse.
type state struct {
	path       string
	conv       parser.ParsedConversation
	metrics    parser.Metrics
	warnings   []string
	epoch      int
	recognized int
}

func (s *state) warn(lineNo int, err error) {
	s.warnings = append(s.warnings, (&parser.DataError{Parser: Name, Path: s.path, Line: lineNo, Err: err}).Error())
}

func (p *Parser) parse(ctx context.Context, src parser.Source, start int64, startLine int) (*parser.ParseResult, error) {
	began := time.Now()
	if start > src.Size {
		return nil, &parser.DataError{Parser: Name, Path: src.Path,
			Err: fmt.Errorf("offset %d is past the observed size %d", start, src.Size)}
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking %s to %d: %w", src.Path, start, err)
	}

	st := &state{path: src.Path, conv: parser.ParsedConversation{Session: parser.Session{AgentType: AgentType}}}
	r := bufio.NewReaderSize(io.LimitReader(f, src.Size-start), 64*1024)
	offset, lineNo := start, startLine
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A trailing line without a newline is still being written.
			break
		}
		if err != nil {
			return nil, &parser.DataError{Parser: Name, Path: src.Path, Line: lineNo + 1, Err: err}
		}
		offset += int64(len(b))
		lineNo++
		st.metrics.Lines++

		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			continue
		}
		var ln line
		if err := json.Unmarshal(b, &ln); err != nil {
			st.metrics.Malformed++
			st.warn(lineNo, fmt.Errorf("invalid JSON: %w", err))
			continue
		}
		st.apply(ln, lineNo)
	}

	if start == 0 && st.metrics.Lines > 0 && st.recognized == 0 {
		return nil, &parser.FormatError{Parser: Name, Path: src.Path,
			Reason: fmt.Sprintf("none of %d lines is a Claude Code record", st.metrics.Lines)}
	}

	st.metrics.BytesRead = offset - start
	st.metrics.Messages = len(st.conv.Messages)
	st.metrics.ToolResults = len(st.conv.ToolResults)
	st.metrics.Duration = time.Since(began)
	return &parser.ParseResult{
		Conversation:  st.conv,
		Offset:        offset,
		Line:          lineNo,
		ParserName:    Name,
		ParserVersion: Version,
		Metrics:       st.metrics,
		Warnings:      st.warnings,
	}, nil
}

func (s *state) apply(ln line, lineNo int) {
	if !knownType(ln.Type) {
		s.metrics.Ignored++
		return
	}
	s.recognized++
	s.noteSession(ln)

	var at time.Time
	if ln.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, ln.Timestamp)
		if err != nil {
			s.warn(lineNo, fmt.Errorf("bad timestamp %q", ln.Timestamp))
		} else {
			at = t.UTC()
		}
	}

	switch ln.Type {
	case typeUser:
		if ln.IsMeta {
			s.metrics.Ignored++
			return
		}
		s.applyUser(ln, lineNo, at)
	case typeAssistant:
		s.applyAssistant(ln, lineNo, at)
	case typeSystem:
		if ln.Subtype == subtypeCompactBoundary {
			s.conv.EpochBoundaries++
			s.epoch++
			return
		}
		s.metrics.Ignored++
	case typeSummary:
		if ln.Summary != "" {
			s.meta("summary", ln.Summary)
		}
	default:
		s.metrics.Ignored++
	}
}

func (s *state) noteSession(ln line) {
	if id, parent := sessionKey(ln); id != "" && s.conv.Session.ID == "" {
		s.conv.Session.ID = id
		s.conv.Session.ParentID = parent
	}
	s.meta("cwd", ln.Cwd)
	s.meta("git_branch", ln.GitBranch)
	s.meta("agent_version", ln.Version)
}

func (s *state) meta(key, value string) {
	if value == "" {
		return
	}
	if s.conv.Session.Metadata == nil {
		s.conv.Session.Metadata = map[string]any{}
	}
	s.conv.Session.Metadata[key] = value
}

func (s *state) applyUser(ln line, lineNo int, at time.Time) {
	var msg apiMessage
	if err := json.Unmarshal(ln.Message, &msg); err != nil {
		s.metrics.Malformed++
		s.warn(lineNo, fmt.Errorf("user message: %w", err))
		return
	}

	var text string
	var asString string
	if json.Unmarshal(msg.Content, &asString) == nil {
		text = asString
	} else {
		var blocks []contentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			s.metrics.Malformed++
			s.warn(lineNo, fmt.Errorf("user content: %w", err))
			return
		}
		var parts []string
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			case "image":
				parts = append(parts, "[image]")
			case "tool_result":
				s.conv.ToolResults = append(s.conv.ToolResults, parser.ToolResult{
					ToolUseID: b.ToolUseID,
					Content:   blockText(b.Content),
					IsError:   b.IsError,
				})
			}
		}
		text = strings.Join(parts, "\n")
	}
	if text == "" {
		return
	}

	kind := ""
	if ln.IsCompactSummary {
		kind = "compact_summary"
	}
	s.conv.Messages = append(s.conv.Messages, parser.Message{
		Role:       "user",
		Kind:       kind,
		Content:    text,
		ExternalID: ln.UUID,
		EmittedAt:  at,
		Epoch:      s.epoch,
	})
}

func (s *state) applyAssistant(ln line, lineNo int, at time.Time) {
	var msg apiMessage
	if err := json.Unmarshal(ln.Message, &msg); err != nil {
		s.metrics.Malformed++
		s.warn(lineNo, fmt.Errorf("assistant message: %w", err))
		return
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		var asString string
		if json.Unmarshal(msg.Content, &asString) != nil {
			s.metrics.Malformed++
			s.warn(lineNo, fmt.Errorf("assistant content: %w", err))
			return
		}
		blocks = []contentBlock{{Type: "text", Text: asString}}
	}

	m := parser.Message{
		Role:         "assistant",
		Model:        msg.Model,
		ExternalID:   msg.ID,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		EmittedAt:    at,
		Epoch:        s.epoch,
	}
	if m.ExternalID == "" {
		m.ExternalID = ln.UUID
	}
	var texts, thoughts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "thinking":
			if b.Thinking != "" {
				thoughts = append(thoughts, b.Thinking)
			}
		case "tool_use":
			m.ToolCalls = append(m.ToolCalls, parser.ToolCall{ToolUseID: b.ID, Name: b.Name, Input: string(b.Input)})
			m.FileTouches = append(m.FileTouches, parser.TouchesForToolCall(b.Name, b.Input, at)...)
			s.metrics.ToolCalls++
		}
	}
	m.Content = strings.Join(texts, "\n")
	m.Thinking = strings.Join(thoughts, "\n")
	if ln.IsAPIErrorMessage {
		m.Role = "system"
		m.Kind = "error"
	}
	if m.Content == "" && m.Thinking == "" && len(m.ToolCalls) == 0 {
		return
	}
	s.conv.Messages = append(s.conv.Messages, m)
}

// blockText flattens tool result content, which is a string or a list of blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return str
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
