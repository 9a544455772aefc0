package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const messageColumns = `id, conversation_id, sequence, epoch_index, role, kind, content, thinking,
	model, external_id, input_tokens, output_tokens, emitted_at`

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var emitted string
	err := r.Scan(&m.ID, &m.ConversationID, &m.Sequence, &m.Epoch, &m.Role, &m.Kind, &m.Content, &m.Thinking,
		&m.Model, &m.ExternalID, &m.InputTokens, &m.OutputTokens, &emitted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.EmittedAt, err = parseTime(emitted); err != nil {
		return nil, err
	}
	return &m, nil
}

const rawLogStateColumns = `id, conversation_id, file_path, last_offset, last_line, prefix_hash, full_hash, updated_at`

func scanRawLogState(r rowScanner) (*RawLogState, error) {
	var st RawLogState
	var updated string
	err := r.Scan(&st.ID, &st.ConversationID, &st.FilePath, &st.LastOffset, &st.LastLine,
		&st.PrefixHash, &st.FullHash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetConversation returns the conversation with the given id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return scanConversation(s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
}

// ConversationBySessionKey looks a conversation up by its stable identity.
func (s *Store) ConversationBySessionKey(ctx context.Context, key string) (*Conversation, error) {
	return scanConversation(s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE session_key = ?`, key))
}

// ConversationByFileHash returns the most recently updated conversation whose
// source file last hashed to hash.
func (s *Store) ConversationByFileHash(ctx context.Context, hash string) (*Conversation, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	return scanConversation(s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE file_hash = ? ORDER BY updated_at DESC LIMIT 1`, hash))
}

// ListConversations returns conversations ordered by most recent activity.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.query(ctx, `SELECT `+conversationColumns+` FROM conversations
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RawLogState returns the progress marker tracked for path.
func (s *Store) RawLogState(ctx context.Context, path string) (*RawLogState, error) {
	return scanRawLogState(s.queryRow(ctx, `SELECT `+rawLogStateColumns+` FROM raw_log_states WHERE file_path = ?`, path))
}

// RawLogStatesForConversation returns every file tracked for a conversation.
func (s *Store) RawLogStatesForConversation(ctx context.Context, convID string) ([]RawLogState, error) {
	rows, err := s.query(ctx, `SELECT `+rawLogStateColumns+` FROM raw_log_states
		WHERE conversation_id = ? ORDER BY file_path`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawLogState
	for rows.Next() {
		st, err := scanRawLogState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ListMessages returns a conversation's messages in sequence order with
// their tool calls and file touches loaded.
func (s *Store) ListMessages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY sequence ASC`, convID)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	calls, err := s.ListToolCalls(ctx, convID)
	if err != nil {
		return nil, err
	}
	touches, err := s.ListFileTouches(ctx, convID)
	if err != nil {
		return nil, err
	}
	index := make(map[int]int, len(msgs))
	for i, m := range msgs {
		index[m.Sequence] = i
	}
	for _, tc := range calls {
		if i, ok := index[tc.MessageSequence]; ok {
			msgs[i].ToolCalls = append(msgs[i].ToolCalls, tc)
		}
	}
	for _, ft := range touches {
		if i, ok := index[ft.MessageSequence]; ok {
			msgs[i].FileTouches = append(msgs[i].FileTouches, ft)
		}
	}
	return msgs, nil
}

// ListToolCalls returns a conversation's tool calls in message order.
func (s *Store) ListToolCalls(ctx context.Context, convID string) ([]ToolCall, error) {
	rows, err := s.query(ctx, `
		SELECT id, conversation_id, message_sequence, tool_use_id, name, input, result, is_error, status
		FROM tool_calls WHERE conversation_id = ? ORDER BY message_sequence ASC, id ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		var isErr int
		if err := rows.Scan(&tc.ID, &tc.ConversationID, &tc.MessageSequence, &tc.ToolUseID, &tc.Name,
			&tc.Input, &tc.Result, &isErr, &tc.Status); err != nil {
			return nil, err
		}
		tc.IsError = isErr != 0
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ListFileTouches returns a conversation's file touches in message order.
func (s *Store) ListFileTouches(ctx context.Context, convID string) ([]FileTouch, error) {
	rows, err := s.query(ctx, `
		SELECT id, conversation_id, message_sequence, path, action, touched_at
		FROM file_touches WHERE conversation_id = ? ORDER BY message_sequence ASC, path ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileTouch
	for rows.Next() {
		var ft FileTouch
		var touched string
		if err := rows.Scan(&ft.ID, &ft.ConversationID, &ft.MessageSequence, &ft.Path, &ft.Action, &touched); err != nil {
			return nil, err
		}
		if ft.TouchedAt, err = parseTime(touched); err != nil {
			return nil, err
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}

// ListEpochs returns a conversation's epochs in index order.
func (s *Store) ListEpochs(ctx context.Context, convID string) ([]Epoch, error) {
	rows, err := s.query(ctx, `
		SELECT conversation_id, epoch_index, message_count, started_at, ended_at
		FROM epochs WHERE conversation_id = ? ORDER BY epoch_index ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var started, ended string
		if err := rows.Scan(&e.ConversationID, &e.Index, &e.MessageCount, &started, &ended); err != nil {
			return nil, err
		}
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if e.EndedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEvents returns the applied events of a conversation in sequence order.
func (s *Store) ListEvents(ctx context.Context, convID string) ([]Event, error) {
	rows, err := s.query(ctx, `
		SELECT conversation_id, sequence, type, emitted_at, observed_at, server_received_at, data
		FROM conversation_events WHERE conversation_id = ? ORDER BY sequence ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var emitted, observed, received, data string
		if err := rows.Scan(&ev.ConversationID, &ev.Sequence, &ev.Type, &emitted, &observed, &received, &data); err != nil {
			return nil, err
		}
		if ev.EmittedAt, err = parseTime(emitted); err != nil {
			return nil, err
		}
		if ev.ObservedAt, err = parseTime(observed); err != nil {
			return nil, err
		}
		if ev.ServerReceivedAt, err = parseTime(received); err != nil {
			return nil, err
		}
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Counts is a snapshot of row totals, used by health reporting.
type Counts struct {
	Conversations int
	Messages      int
	PendingJobs   int
}

// CountRows returns table totals.
func (s *Store) CountRows(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&c.Conversations); err != nil {
		return c, fmt.Errorf("counting conversations: %w", err)
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&c.Messages); err != nil {
		return c, fmt.Errorf("counting messages: %w", err)
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&c.PendingJobs); err != nil {
		return c, fmt.Errorf("counting jobs: %w", err)
	}
	return c, nil
}
