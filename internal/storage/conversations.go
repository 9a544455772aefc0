package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, session_key, source, agent_type, file_path, file_hash, status,
	last_event_sequence, message_count, epoch_count, files_count,
	parent_session_id, parent_conversation_id, parent_link_state, metadata,
	start_time, end_time, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	var meta, start, end, created, updated string
	err := r.Scan(
		&c.ID, &c.SessionKey, &c.Source, &c.AgentType, &c.FilePath, &c.FileHash, &c.Status,
		&c.LastEventSequence, &c.MessageCount, &c.EpochCount, &c.FilesCount,
		&c.ParentSessionID, &c.ParentConversationID, &c.ParentLinkState, &meta,
		&start, &end, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Metadata = decodeMetadata(meta)
	if c.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if c.EndTime, err = parseTime(end); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeMetadata(s string) map[string]any {
	m := map[string]any{}
	if s == "" {
		return m
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

// CreateConversation inserts c unless a conversation with the same session
// key exists. It reports whether a row was created; c.ID is assigned when empty.
func (t *Tx) CreateConversation(ctx context.Context, c *Conversation) (bool, error) {
	if c.SessionKey == "" {
		return false, errors.New("conversation session key is required")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusOpen
	}
	if c.Source == "" {
		c.Source = "file"
	}
	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return false, err
	}
	now := formatTime(t.now())
	res, err := t.exec(ctx, `
		INSERT INTO conversations (id, session_key, source, agent_type, file_path, file_hash, status,
			metadata, start_time, end_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO NOTHING`,
		c.ID, c.SessionKey, c.Source, c.AgentType, c.FilePath, c.FileHash, c.Status,
		meta, formatTime(c.StartTime), formatTime(c.StartTime), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("inserting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EnsureConversation returns the locked conversation for c.SessionKey,
// creating it from c first when absent.
func (t *Tx) EnsureConversation(ctx context.Context, c Conversation) (*Conversation, bool, error) {
	created, err := t.CreateConversation(ctx, &c)
	if err != nil {
		return nil, false, err
	}
	conv, err := t.LockConversationByKey(ctx, c.SessionKey)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// LockConversation loads the conversation row and holds it for the rest of
// the transaction.
func (t *Tx) LockConversation(ctx context.Context, id string) (*Conversation, error) {
	return scanConversation(t.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`+t.forUpdate(), id))
}

// LockConversationByKey is LockConversation addressed by session key.
func (t *Tx) LockConversationByKey(ctx context.Context, sessionKey string) (*Conversation, error) {
	return scanConversation(t.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE session_key = ?`+t.forUpdate(), sessionKey))
}

// AppendMessages inserts msgs in order with sequences starting at
// startingSequence, together with their embedded tool calls. Message epochs
// must already be absolute. The returned slice carries assigned ids and sequences.
func (t *Tx) AppendMessages(ctx context.Context, convID string, msgs []Message, startingSequence int) ([]Message, error) {
	if startingSequence < 1 {
		return nil, fmt.Errorf("starting sequence %d must be >= 1", startingSequence)
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.ID = uuid.New().String()
		m.ConversationID = convID
		m.Sequence = startingSequence + i
		if _, err := t.exec(ctx, `
			INSERT INTO messages (id, conversation_id, sequence, epoch_index, role, kind, content, thinking,
				model, external_id, input_tokens, output_tokens, emitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, convID, m.Sequence, m.Epoch, m.Role, m.Kind, m.Content, m.Thinking,
			m.Model, m.ExternalID, m.InputTokens, m.OutputTokens, formatTime(m.EmittedAt),
		); err != nil {
			return nil, fmt.Errorf("inserting message %d: %w", m.Sequence, err)
		}
		calls := make([]ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			saved, err := t.AttachToolCall(ctx, convID, m.Sequence, tc)
			if err != nil {
				return nil, err
			}
			calls = append(calls, saved)
		}
		m.ToolCalls = calls
		out[i] = m
	}
	return out, nil
}

// AttachToolCall records a tool invocation made by message seq.
func (t *Tx) AttachToolCall(ctx context.Context, convID string, seq int, tc ToolCall) (ToolCall, error) {
	tc.ID = uuid.New().String()
	tc.ConversationID = convID
	tc.MessageSequence = seq
	if tc.Status == "" {
		tc.Status = ToolPending
	}
	if _, err := t.exec(ctx, `
		INSERT INTO tool_calls (id, conversation_id, message_sequence, tool_use_id, name, input, result, is_error, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, convID, seq, tc.ToolUseID, tc.Name, tc.Input, tc.Result, boolToInt(tc.IsError), tc.Status,
	); err != nil {
		return ToolCall{}, fmt.Errorf("inserting tool call %q: %w", tc.Name, err)
	}
	return tc, nil
}

// AttachToolResult completes the tool call with the matching tool use id.
// It reports false when no such call has been recorded.
func (t *Tx) AttachToolResult(ctx context.Context, convID string, r ToolResult) (bool, error) {
	if r.ToolUseID == "" {
		return false, nil
	}
	status := ToolCompleted
	if r.IsError {
		status = ToolErrored
	}
	res, err := t.exec(ctx, `
		UPDATE tool_calls SET result = ?, is_error = ?, status = ?
		WHERE conversation_id = ? AND tool_use_id = ?`,
		r.Content, boolToInt(r.IsError), status, convID, r.ToolUseID,
	)
	if err != nil {
		return false, fmt.Errorf("attaching tool result %s: %w", r.ToolUseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AttachFileTouches records the files touched by message seq.
func (t *Tx) AttachFileTouches(ctx context.Context, convID string, seq int, touches []FileTouch) error {
	for _, ft := range touches {
		if ft.Path == "" {
			continue
		}
		if _, err := t.exec(ctx, `
			INSERT INTO file_touches (id, conversation_id, message_sequence, path, action, touched_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), convID, seq, ft.Path, ft.Action, formatTime(ft.TouchedAt),
		); err != nil {
			return fmt.Errorf("inserting file touch %s: %w", ft.Path, err)
		}
	}
	return nil
}

// OpenOrUpdateEpoch opens epoch index, or adds messages to it and extends
// its end time when it exists. It reports whether the epoch was newly opened.
func (t *Tx) OpenOrUpdateEpoch(ctx context.Context, convID string, index int, first, last time.Time, messages int) (bool, error) {
	var count int
	if err := t.queryRow(ctx,
		`SELECT COUNT(*) FROM epochs WHERE conversation_id = ? AND epoch_index = ?`, convID, index,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("checking epoch %d: %w", index, err)
	}
	if count == 0 {
		if _, err := t.exec(ctx, `
			INSERT INTO epochs (conversation_id, epoch_index, message_count, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?)`,
			convID, index, messages, formatTime(first), formatTime(last),
		); err != nil {
			return false, fmt.Errorf("opening epoch %d: %w", index, err)
		}
		return true, nil
	}
	if _, err := t.exec(ctx, `
		UPDATE epochs SET
			message_count = message_count + ?,
			started_at = CASE WHEN started_at = '' THEN ? ELSE started_at END,
			ended_at = CASE WHEN ended_at < ? THEN ? ELSE ended_at END
		WHERE conversation_id = ? AND epoch_index = ?`,
		messages, formatTime(first), formatTime(last), formatTime(last), convID, index,
	); err != nil {
		return false, fmt.Errorf("updating epoch %d: %w", index, err)
	}
	return false, nil
}

// SetTerminalStatus moves the conversation to completed, failed or abandoned.
func (t *Tx) SetTerminalStatus(ctx context.Context, convID, status string, at time.Time) error {
	switch status {
	case StatusCompleted, StatusFailed, StatusAbandoned:
	default:
		return fmt.Errorf("invalid terminal status %q", status)
	}
	if _, err := t.exec(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(t.now()), convID,
	); err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	if !at.IsZero() {
		return t.TouchActivity(ctx, convID, at)
	}
	return nil
}

// IncrementDenormalizedCounts adds to the running message and epoch counts
// and recomputes the distinct file count.
func (t *Tx) IncrementDenormalizedCounts(ctx context.Context, convID string, messages, epochs int) error {
	_, err := t.exec(ctx, `
		UPDATE conversations SET
			message_count = message_count + ?,
			epoch_count = epoch_count + ?,
			files_count = (SELECT COUNT(DISTINCT path) FROM file_touches WHERE conversation_id = ?),
			updated_at = ?
		WHERE id = ?`,
		messages, epochs, convID, formatTime(t.now()), convID,
	)
	if err != nil {
		return fmt.Errorf("updating counts: %w", err)
	}
	return nil
}

// ReplaceChildren deletes messages, tool calls, file touches and epochs and
// zeroes the counts, keeping the conversation's id and event progress.
func (t *Tx) ReplaceChildren(ctx context.Context, convID string) error {
	for _, table := range []string{"messages", "tool_calls", "file_touches", "epochs"} {
		if _, err := t.exec(ctx, `DELETE FROM `+table+` WHERE conversation_id = ?`, convID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	if _, err := t.exec(ctx, `
		UPDATE conversations SET message_count = 0, epoch_count = 0, files_count = 0, updated_at = ?
		WHERE id = ?`, formatTime(t.now()), convID); err != nil {
		return fmt.Errorf("resetting counts: %w", err)
	}
	return nil
}

// SetLastEventSequence advances the event high-water mark. Moving it
// backwards or sideways is an error.
func (t *Tx) SetLastEventSequence(ctx context.Context, convID string, seq int64) error {
	res, err := t.exec(ctx, `
		UPDATE conversations SET last_event_sequence = ?, updated_at = ?
		WHERE id = ? AND last_event_sequence < ?`,
		seq, formatTime(t.now()), convID, seq,
	)
	if err != nil {
		return fmt.Errorf("setting last event sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event sequence %d does not advance conversation %s", seq, convID)
	}
	return nil
}

// RecordEvent stores an applied event.
func (t *Tx) RecordEvent(ctx context.Context, ev Event) error {
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	if _, err := t.exec(ctx, `
		INSERT INTO conversation_events (conversation_id, sequence, type, emitted_at, observed_at, server_received_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ConversationID, ev.Sequence, ev.Type, formatTime(ev.EmittedAt), formatTime(ev.ObservedAt),
		formatTime(ev.ServerReceivedAt), data,
	); err != nil {
		return fmt.Errorf("recording event %d: %w", ev.Sequence, err)
	}
	return nil
}

// TouchActivity widens the conversation's [start_time, end_time] window to include at.
func (t *Tx) TouchActivity(ctx context.Context, convID string, at time.Time) error {
	if at.IsZero() {
		return nil
	}
	ts := formatTime(at)
	if _, err := t.exec(ctx, `
		UPDATE conversations SET
			start_time = CASE WHEN start_time = '' OR start_time > ? THEN ? ELSE start_time END,
			end_time = CASE WHEN end_time < ? THEN ? ELSE end_time END,
			updated_at = ?
		WHERE id = ?`,
		ts, ts, ts, ts, formatTime(t.now()), convID,
	); err != nil {
		return fmt.Errorf("touching activity: %w", err)
	}
	return nil
}

// MergeMetadata merges patch into the metadata bag. A nil value removes the key.
func (t *Tx) MergeMetadata(ctx context.Context, convID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	var raw string
	err := t.queryRow(ctx, `SELECT metadata FROM conversations WHERE id = ?`, convID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	meta := decodeMetadata(raw)
	for k, v := range patch {
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, `UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(t.now()), convID); err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}
	return nil
}

// SetFileIdentity records the source file and its current full hash.
func (t *Tx) SetFileIdentity(ctx context.Context, convID, path, hash string) error {
	if _, err := t.exec(ctx, `UPDATE conversations SET file_path = ?, file_hash = ?, updated_at = ? WHERE id = ?`,
		path, hash, formatTime(t.now()), convID); err != nil {
		return fmt.Errorf("setting file identity: %w", err)
	}
	return nil
}

// SetAgentType records the producing agent when it was not known at creation.
func (t *Tx) SetAgentType(ctx context.Context, convID, agentType string) error {
	if agentType == "" {
		return nil
	}
	_, err := t.exec(ctx, `UPDATE conversations SET agent_type = ? WHERE id = ? AND agent_type = ''`, agentType, convID)
	return err
}

// DeclareParent records conv's parent session. If the parent conversation
// exists it is linked now; otherwise the reference is left pending in the
// metadata bag for the link sweep. Self references are ignored.
func (t *Tx) DeclareParent(ctx context.Context, conv *Conversation, parentSessionID string) error {
	if parentSessionID == "" || parentSessionID == conv.SessionKey {
		return nil
	}
	if conv.ParentSessionID == parentSessionID && conv.ParentLinkState == LinkLinked {
		return nil
	}

	var parentID string
	err := t.queryRow(ctx, `SELECT id FROM conversations WHERE session_key = ?`, parentSessionID).Scan(&parentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("resolving parent session: %w", err)
	}

	state := LinkPending
	patch := map[string]any{MetaPendingParent: parentSessionID}
	if parentID != "" {
		state = LinkLinked
		patch = map[string]any{MetaPendingParent: nil}
	}
	if _, err := t.exec(ctx, `
		UPDATE conversations SET parent_session_id = ?, parent_conversation_id = ?, parent_link_state = ?, updated_at = ?
		WHERE id = ?`,
		parentSessionID, parentID, state, formatTime(t.now()), conv.ID,
	); err != nil {
		return fmt.Errorf("declaring parent: %w", err)
	}
	if err := t.MergeMetadata(ctx, conv.ID, patch); err != nil {
		return err
	}
	conv.ParentSessionID = parentSessionID
	conv.ParentConversationID = parentID
	conv.ParentLinkState = state
	return nil
}

// LatestMessage returns the highest-sequence message of the conversation.
func (t *Tx) LatestMessage(ctx context.Context, convID string) (*Message, error) {
	m, err := scanMessage(t.queryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY sequence DESC LIMIT 1`, convID))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AppendThinking adds reasoning text to an existing message.
func (t *Tx) AppendThinking(ctx context.Context, convID string, seq int, text string) error {
	var current string
	err := t.queryRow(ctx, `SELECT thinking FROM messages WHERE conversation_id = ? AND sequence = ?`, convID, seq).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != "" {
		current += "\n"
	}
	_, err = t.exec(ctx, `UPDATE messages SET thinking = ? WHERE conversation_id = ? AND sequence = ?`,
		current+text, convID, seq)
	return err
}

// RawLogState returns the progress marker for path, or ErrNotFound.
func (t *Tx) RawLogState(ctx context.Context, path string) (*RawLogState, error) {
	return scanRawLogState(t.queryRow(ctx,
		`SELECT `+rawLogStateColumns+` FROM raw_log_states WHERE file_path = ?`, path))
}

// SaveRawLogState upserts the progress marker for st.FilePath.
func (t *Tx) SaveRawLogState(ctx context.Context, st *RawLogState) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	st.UpdatedAt = t.now().UTC()
	if _, err := t.exec(ctx, `
		INSERT INTO raw_log_states (id, conversation_id, file_path, last_offset, last_line, prefix_hash, full_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_path) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			last_offset = excluded.last_offset,
			last_line = excluded.last_line,
			prefix_hash = excluded.prefix_hash,
			full_hash = excluded.full_hash,
			updated_at = excluded.updated_at`,
		st.ID, st.ConversationID, st.FilePath, st.LastOffset, st.LastLine, st.PrefixHash, st.FullHash,
		formatTime(st.UpdatedAt),
	); err != nil {
		return fmt.Errorf("saving raw log state: %w", err)
	}
	return nil
}

// DeleteRawLogState drops the progress marker so the next ingestion starts from scratch.
func (t *Tx) DeleteRawLogState(ctx context.Context, path string) error {
	_, err := t.exec(ctx, `DELETE FROM raw_log_states WHERE file_path = ?`, path)
	return err
}

// ApplyContent appends one parsed delta to conv: messages continue from the
// current message count, relative epochs are anchored at the conversation's
// current epoch, tool results attach by tool use id, and the denormalized
// counts and activity window are updated. conv is refreshed on return.
func (t *Tx) ApplyContent(ctx context.Context, conv *Conversation, c Content) (ApplyStats, error) {
	var stats ApplyStats
	if c.Empty() {
		return stats, nil
	}

	base := conv.EpochCount - 1
	if base < 0 {
		base = 0
	}
	highest := base + c.EpochBoundaries

	var earliest time.Time
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Epoch = base + m.Epoch
		if m.Epoch < base {
			m.Epoch = base
		}
		if m.Epoch > highest {
			m.Epoch = highest
		}
		msgs[i] = m
		if m.EmittedAt.After(stats.LatestActivity) {
			stats.LatestActivity = m.EmittedAt
		}
		if !m.EmittedAt.IsZero() && (earliest.IsZero() || m.EmittedAt.Before(earliest)) {
			earliest = m.EmittedAt
		}
	}

	saved, err := t.AppendMessages(ctx, conv.ID, msgs, conv.MessageCount+1)
	if err != nil {
		return stats, err
	}
	stats.MessagesAdded = len(saved)
	if len(saved) > 0 {
		stats.FirstSequence = saved[0].Sequence
		stats.LastSequence = saved[len(saved)-1].Sequence
	}

	type epochSpan struct {
		count       int
		first, last time.Time
	}
	spans := make(map[int]*epochSpan)
	for _, m := range saved {
		sp := spans[m.Epoch]
		if sp == nil {
			sp = &epochSpan{first: m.EmittedAt, last: m.EmittedAt}
			spans[m.Epoch] = sp
		}
		sp.count++
		if !m.EmittedAt.IsZero() && (sp.first.IsZero() || m.EmittedAt.Before(sp.first)) {
			sp.first = m.EmittedAt
		}
		if m.EmittedAt.After(sp.last) {
			sp.last = m.EmittedAt
		}
	}
	for idx := base; idx <= highest && (len(saved) > 0 || c.EpochBoundaries > 0); idx++ {
		sp := spans[idx]
		if sp == nil {
			if idx < conv.EpochCount {
				continue
			}
			sp = &epochSpan{first: stats.LatestActivity, last: stats.LatestActivity}
		}
		opened, err := t.OpenOrUpdateEpoch(ctx, conv.ID, idx, sp.first, sp.last, sp.count)
		if err != nil {
			return stats, err
		}
		if opened {
			stats.EpochsOpened++
		}
	}

	for _, m := range saved {
		if len(m.FileTouches) == 0 {
			continue
		}
		if err := t.AttachFileTouches(ctx, conv.ID, m.Sequence, m.FileTouches); err != nil {
			return stats, err
		}
		stats.FileTouches += len(m.FileTouches)
	}

	for _, r := range c.ToolResults {
		ok, err := t.AttachToolResult(ctx, conv.ID, r)
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.UnmatchedResults = append(stats.UnmatchedResults, r.ToolUseID)
			continue
		}
		stats.ToolResults++
	}

	if err := t.IncrementDenormalizedCounts(ctx, conv.ID, stats.MessagesAdded, stats.EpochsOpened); err != nil {
		return stats, err
	}
	if err := t.TouchActivity(ctx, conv.ID, earliest); err != nil {
		return stats, err
	}
	if err := t.TouchActivity(ctx, conv.ID, stats.LatestActivity); err != nil {
		return stats, err
	}

	fresh, err := t.LockConversation(ctx, conv.ID)
	if err != nil {
		return stats, err
	}
	*conv = *fresh
	return stats, nil
}
