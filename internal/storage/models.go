package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Conversation status values.
const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Parent link states.
const (
	LinkNone    = ""
	LinkPending = "pending"
	LinkLinked  = "linked"
	LinkExpired = "expired"
)

// MetaPendingParent is the metadata key holding an unresolved parent session id.
const MetaPendingParent = "pending_parent_session_id"

// Conversation is the aggregate root for one coding assistant session.
type Conversation struct {
	ID                   string
	SessionKey           string // stable identity, never changes after creation
	Source               string
	AgentType            string
	FilePath             string
	FileHash             string
	Status               string
	LastEventSequence    int64
	MessageCount         int
	EpochCount           int
	FilesCount           int
	ParentSessionID      string
	ParentConversationID string
	ParentLinkState      string
	Metadata             map[string]any
	StartTime            time.Time
	EndTime              time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Message is one persisted message. ToolCalls and FileTouches are inputs
// to AppendMessages; reads load them separately.
type Message struct {
	ID             string
	ConversationID string
	Sequence       int
	// Epoch is relative to the conversation's current epoch when passed to
	// ApplyContent and absolute when read back.
	Epoch        int
	Role         string
	Kind         string
	Content      string
	Thinking     string
	Model        string
	ExternalID   string
	InputTokens  int
	OutputTokens int
	EmittedAt    time.Time

	ToolCalls   []ToolCall
	FileTouches []FileTouch
}

// Tool call status values.
const (
	ToolPending   = "pending"
	ToolCompleted = "completed"
	ToolErrored   = "error"
)

type ToolCall struct {
	ID              string
	ConversationID  string
	MessageSequence int
	ToolUseID       string
	Name            string
	Input           string
	Result          string
	IsError         bool
	Status          string
}

// ToolResult completes a previously attached tool call, matched by ToolUseID.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

type FileTouch struct {
	ID              string
	ConversationID  string
	MessageSequence int
	Path            string
	Action          string // read, write, edit, create
	TouchedAt       time.Time
}

type Epoch struct {
	ConversationID string
	Index          int
	MessageCount   int
	StartedAt      time.Time
	EndedAt        time.Time
}

// Content is one delta of parsed conversation content: a full parse, an
// incremental parse, or the content carried by a batch of events.
type Content struct {
	Messages    []Message
	ToolResults []ToolResult
	// EpochBoundaries counts the new epochs this delta opens.
	EpochBoundaries int
}

// Empty reports whether applying c would change nothing.
func (c Content) Empty() bool {
	return len(c.Messages) == 0 && len(c.ToolResults) == 0 && c.EpochBoundaries == 0
}

// ApplyStats summarizes what ApplyContent wrote.
type ApplyStats struct {
	MessagesAdded    int
	EpochsOpened     int
	FileTouches      int
	ToolResults      int
	UnmatchedResults []string // tool use ids with no attached call
	FirstSequence    int
	LastSequence     int
	LatestActivity   time.Time
}

// RawLogState is the durable progress marker for incremental parsing of one file.
type RawLogState struct {
	ID             string
	ConversationID string
	FilePath       string
	LastOffset     int64
	LastLine       int
	PrefixHash     string // hash of bytes [0, LastOffset)
	FullHash       string // hash of the whole file at the last successful parse
	UpdatedAt      time.Time
}

// Event is one applied, immutable event of the event-batch path.
type Event struct {
	ConversationID   string
	Sequence         int64
	Type             string
	EmittedAt        time.Time
	ObservedAt       time.Time
	ServerReceivedAt time.Time
	Data             json.RawMessage
}

// Ingestion job status values.
const (
	JobRunning   = "running"
	JobSuccess   = "success"
	JobDuplicate = "duplicate"
	JobSkipped   = "skipped"
	JobFailed    = "failed"
)

// IngestionJob is the observability record of one ingestion attempt.
type IngestionJob struct {
	ID             string
	Source         string // cli, upload, watch, collector-api
	Status         string
	FilePath       string
	SessionKey     string
	ConversationID string
	ParserName     string
	ParserVersion  string
	ChangeType     string
	UpdateMode     string
	MessagesAdded  int
	Metrics        map[string]any
	Warnings       []string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Job is a durable background job in the queue.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
