// Package events reconciles sequence-numbered event batches submitted by
// remote collectors into conversations.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types accepted at ingress.
const (
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypeMessage      = "message"
	TypeToolCall     = "tool_call"
	TypeToolResult   = "tool_result"
	TypeThinking     = "thinking"
	TypeError        = "error"
	TypeMetadata     = "metadata"
)

func knownType(t string) bool {
	switch t {
	case TypeSessionStart, TypeSessionEnd, TypeMessage, TypeToolCall,
		TypeToolResult, TypeThinking, TypeError, TypeMetadata:
		return true
	}
	return false
}

// Event is one observation of a session. Sequence numbers are unique and
// strictly increasing within a session.
type Event struct {
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	EmittedAt  time.Time       `json:"emitted_at"`
	ObservedAt time.Time       `json:"observed_at,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Batch is the unit of submission.
type Batch struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

// ApplyResult is returned for accepted and fully duplicate batches.
type ApplyResult struct {
	Accepted       int      `json:"accepted"`
	LastSequence   int64    `json:"last_sequence"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Warnings       []string `json:"warnings"`
	JobID          string   `json:"job_id,omitempty"`
}

var (
	// ErrSequenceGap matches *SequenceGapError.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrInvalidBatch is returned for batches that fail validation.
	ErrInvalidBatch = errors.New("invalid event batch")
)

// SequenceGapError rejects a batch that would skip sequence numbers. The
// producer should resend from LastSequence+1.
type SequenceGapError struct {
	SessionID    string
	Expected     int64 // next sequence the store accepts
	Got          int64 // first sequence that did not follow
	LastSequence int64 // stored high-water mark
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap in session %s: expected %d, got %d (last applied %d)",
		e.SessionID, e.Expected, e.Got, e.LastSequence)
}

func (e *SequenceGapError) Is(target error) bool { return target == ErrSequenceGap }

// Payloads of the typed events. Unknown fields are ignored.

type sessionStartData struct {
	AgentType       string         `json:"agent_type"`
	Cwd             string         `json:"cwd"`
	GitBranch       string         `json:"git_branch"`
	ParentSessionID string         `json:"parent_session_id"`
	Metadata        map[string]any `json:"metadata"`
}

type sessionEndData struct {
	Status string `json:"status"`
}

type toolCallData struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type messageData struct {
	Role         string         `json:"role"`
	Kind         string         `json:"kind"`
	Content      string         `json:"content"`
	Thinking     string         `json:"thinking"`
	Model        string         `json:"model"`
	ExternalID   string         `json:"id"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	ToolCalls    []toolCallData `json:"tool_calls"`
}

type toolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

type thinkingData struct {
	Text string `json:"text"`
}

type errorData struct {
	Message string `json:"message"`
}
