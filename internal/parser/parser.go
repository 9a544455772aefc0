// Package parser defines the log parser capability consumed by ingestion:
// a cheap confidence probe, a full parse and an incremental parse from a
// byte offset. Implementations live in subpackages.
package parser

import (
	"context"
	"time"
)

// Source names the bytes a parser may read: the first Size bytes of Path.
// Size comes from the hashed observation so the parse and the hash describe
// the same snapshot even if the file keeps growing.
type Source struct {
	Path string
	Size int64
}

type Message struct {
	Role         string // user, assistant, system
	Kind         string // "", error, compact_summary
	Content      string
	Thinking     string
	Model        string
	ExternalID   string
	InputTokens  int
	OutputTokens int
	EmittedAt    time.Time
	// Epoch counts the epoch boundaries seen earlier in the same parse.
	Epoch       int
	ToolCalls   []ToolCall
	FileTouches []FileTouch
}

type ToolCall struct {
	ToolUseID string
	Name      string
	Input     string // raw JSON
}

type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

type FileTouch struct {
	Path   string
	Action string
	At     time.Time
}

// Session is what a log declares about the session that produced it.
type Session struct {
	ID        string
	ParentID  string
	AgentType string
	Metadata  map[string]any
}

// ParsedConversation is the content of one parse, full or incremental.
type ParsedConversation struct {
	Session         Session
	Messages        []Message
	ToolResults     []ToolResult
	EpochBoundaries int
}

type Metrics struct {
	Lines       int           `json:"lines"`
	Messages    int           `json:"messages"`
	ToolCalls   int           `json:"tool_calls"`
	ToolResults int           `json:"tool_results"`
	Ignored     int           `json:"ignored"`
	Malformed   int           `json:"malformed"`
	BytesRead   int64         `json:"bytes_read"`
	Duration    time.Duration `json:"duration_ns"`
}

// ParseResult is the transient outcome of a full parse. Offset and Line
// mark the end of the last complete line consumed.
type ParseResult struct {
	Conversation  ParsedConversation
	Offset        int64
	Line          int
	ParserName    string
	ParserVersion string
	Metrics       Metrics
	Warnings      []string
}

// IncrementalParseResult carries only the content after StartOffset.
type IncrementalParseResult struct {
	ParseResult
	StartOffset int64
	StartLine   int
}

// Parser turns raw log bytes into conversation content. Implementations
// must not silently swallow malformed input: per-line problems become
// warnings, unrecognizable input is a *FormatError.
type Parser interface {
	Name() string
	Version() string
	// CanParse returns a confidence in [0, 1] without mutating anything.
	CanParse(path string) (float64, error)
	ParseFull(ctx context.Context, src Source) (*ParseResult, error)
	ParseIncremental(ctx context.Context, src Source, lastOffset int64, lastLine int) (*IncrementalParseResult, error)
}

// SessionIdentifier is implemented by parsers that can read a log's
// declared session id without a full parse.
type SessionIdentifier interface {
	SessionID(src Source) (string, error)
}
