package api

import (
	"time"

	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/storage"
)

// JobView is the wire form of an ingestion job.
type JobView struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Status         string         `json:"status"`
	FilePath       string         `json:"file_path,omitempty"`
	SessionKey     string         `json:"session_key,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ParserName     string         `json:"parser_name,omitempty"`
	ParserVersion  string         `json:"parser_version,omitempty"`
	ChangeType     string         `json:"change_type,omitempty"`
	UpdateMode     string         `json:"update_mode,omitempty"`
	MessagesAdded  int            `json:"messages_added"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	Warnings       []string       `json:"warnings"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

func jobView(j storage.IngestionJob) JobView {
	v := JobView{
		ID:             j.ID,
		Source:         j.Source,
		Status:         j.Status,
		FilePath:       j.FilePath,
		SessionKey:     j.SessionKey,
		ConversationID: j.ConversationID,
		ParserName:     j.ParserName,
		ParserVersion:  j.ParserVersion,
		ChangeType:     j.ChangeType,
		UpdateMode:     j.UpdateMode,
		MessagesAdded:  j.MessagesAdded,
		Metrics:        j.Metrics,
		Warnings:       j.Warnings,
		Error:          j.Error,
		StartedAt:      j.StartedAt,
	}
	if !j.FinishedAt.IsZero() {
		finished := j.FinishedAt
		v.FinishedAt = &finished
	}
	if v.Warnings == nil {
		v.Warnings = []string{}
	}
	return v
}

// IngestView is the response to a file upload.
type IngestView struct {
	JobID          string   `json:"job_id"`
	Status         string   `json:"status"`
	ConversationID string   `json:"conversation_id,omitempty"`
	SessionKey     string   `json:"session_key,omitempty"`
	ChangeType     string   `json:"change_type,omitempty"`
	MessagesAdded  int      `json:"messages_added"`
	MessageCount   int      `json:"message_count"`
	Path           string   `json:"path"`
	Warnings       []string `json:"warnings"`
	Error          string   `json:"error,omitempty"`
}

func ingestView(res *ingest.Result, path string) IngestView {
	v := IngestView{Path: path, Warnings: []string{}}
	if res == nil {
		return v
	}
	v.JobID = res.JobID
	v.Status = res.Status
	v.ConversationID = res.ConversationID
	v.SessionKey = res.SessionKey
	v.ChangeType = string(res.ChangeType)
	v.MessagesAdded = res.MessagesAdded
	v.MessageCount = res.MessageCount
	if res.Warnings != nil {
		v.Warnings = res.Warnings
	}
	return v
}

type RawLogStateView struct {
	FilePath   string    `json:"file_path"`
	LastOffset int64     `json:"last_offset"`
	LastLine   int       `json:"last_line"`
	PrefixHash string    `json:"prefix_hash"`
	FullHash   string    `json:"full_hash"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConversationView is the wire form of a conversation with its counters,
// parent link and file progress markers.
type ConversationView struct {
	ID                   string            `json:"id"`
	SessionKey           string            `json:"session_key"`
	Source               string            `json:"source"`
	AgentType            string            `json:"agent_type,omitempty"`
	FilePath             string            `json:"file_path,omitempty"`
	Status               string            `json:"status"`
	LastEventSequence    int64             `json:"last_event_sequence"`
	MessageCount         int               `json:"message_count"`
	EpochCount           int               `json:"epoch_count"`
	FilesCount           int               `json:"files_count"`
	ParentSessionID      string            `json:"parent_session_id,omitempty"`
	ParentConversationID string            `json:"parent_conversation_id,omitempty"`
	ParentLinkState      string            `json:"parent_link_state,omitempty"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
	StartTime            *time.Time        `json:"start_time,omitempty"`
	EndTime              *time.Time        `json:"end_time,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	RawLogStates         []RawLogStateView `json:"raw_log_states,omitempty"`
}

func conversationView(c *storage.Conversation, states []storage.RawLogState) ConversationView {
	v := ConversationView{
		ID:                   c.ID,
		SessionKey:           c.SessionKey,
		Source:               c.Source,
		AgentType:            c.AgentType,
		FilePath:             c.FilePath,
		Status:               c.Status,
		LastEventSequence:    c.LastEventSequence,
		MessageCount:         c.MessageCount,
		EpochCount:           c.EpochCount,
		FilesCount:           c.FilesCount,
		ParentSessionID:      c.ParentSessionID,
		ParentConversationID: c.ParentConversationID,
		ParentLinkState:      c.ParentLinkState,
		Metadata:             c.Metadata,
		StartTime:            optionalTime(c.StartTime),
		EndTime:              optionalTime(c.EndTime),
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
	for _, s := range states {
		v.RawLogStates = append(v.RawLogStates, RawLogStateView{
			FilePath:   s.FilePath,
			LastOffset: s.LastOffset,
			LastLine:   s.LastLine,
			PrefixHash: s.PrefixHash,
			FullHash:   s.FullHash,
			UpdatedAt:  s.UpdatedAt,
		})
	}
	return v
}

type MessageView struct {
	Sequence     int       `json:"sequence"`
	Epoch        int       `json:"epoch"`
	Role         string    `json:"role"`
	Kind         string    `json:"kind,omitempty"`
	Content      string    `json:"content"`
	Thinking     string    `json:"thinking,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}

func messageView(m storage.Message) MessageView {
	return MessageView{
		Sequence:     m.Sequence,
		Epoch:        m.Epoch,
		Role:         m.Role,
		Kind:         m.Kind,
		Content:      m.Content,
		Thinking:     m.Thinking,
		Model:        m.Model,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		EmittedAt:    m.EmittedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
