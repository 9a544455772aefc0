package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/parser"
	"github.com/kalambet/sessiond/internal/storage"
)

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// applyEvent maps one event onto the store primitives the file path uses,
// so both ingress paths persist the same shape.
func (r *Reconciler) applyEvent(ctx context.Context, tx *storage.Tx, conv *storage.Conversation, ev Event, run *batchRun) error {
	at := ev.EmittedAt
	switch ev.Type {
	case TypeSessionStart:
		var d sessionStartData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		if err := tx.SetAgentType(ctx, conv.ID, d.AgentType); err != nil {
			return err
		}
		patch := make(map[string]any, len(d.Metadata)+2)
		for k, v := range d.Metadata {
			patch[k] = v
		}
		if d.Cwd != "" {
			patch["cwd"] = d.Cwd
		}
		if d.GitBranch != "" {
			patch["git_branch"] = d.GitBranch
		}
		if err := tx.MergeMetadata(ctx, conv.ID, patch); err != nil {
			return err
		}
		if err := tx.TouchActivity(ctx, conv.ID, at); err != nil {
			return err
		}
		return tx.DeclareParent(ctx, conv, d.ParentSessionID)

	case TypeMessage:
		var d messageData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		m := storage.Message{
			Role:         d.Role,
			Kind:         d.Kind,
			Content:      d.Content,
			Thinking:     d.Thinking,
			Model:        d.Model,
			ExternalID:   d.ExternalID,
			InputTokens:  d.InputTokens,
			OutputTokens: d.OutputTokens,
			EmittedAt:    at,
		}
		for _, tc := range d.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, storage.ToolCall{ToolUseID: tc.ToolUseID, Name: tc.Name, Input: string(tc.Input)})
			m.FileTouches = append(m.FileTouches, ingest.TouchesFrom(parser.TouchesForToolCall(tc.Name, tc.Input, at))...)
		}
		return r.applyContent(ctx, tx, conv, storage.Content{Messages: []storage.Message{m}}, run)

	case TypeToolCall:
		var d toolCallData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		seq, err := r.assistantMessage(ctx, tx, conv, at, run)
		if err != nil {
			return err
		}
		if _, err := tx.AttachToolCall(ctx, conv.ID, seq, storage.ToolCall{ToolUseID: d.ToolUseID, Name: d.Name, Input: string(d.Input)}); err != nil {
			return err
		}
		touches := ingest.TouchesFrom(parser.TouchesForToolCall(d.Name, d.Input, at))
		if len(touches) == 0 {
			return nil
		}
		if err := tx.AttachFileTouches(ctx, conv.ID, seq, touches); err != nil {
			return err
		}
		return tx.IncrementDenormalizedCounts(ctx, conv.ID, 0, 0)

	case TypeToolResult:
		var d toolResultData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.applyContent(ctx, tx, conv, storage.Content{
			ToolResults: []storage.ToolResult{{ToolUseID: d.ToolUseID, Content: d.Content, IsError: d.IsError}},
		}, run)

	case TypeThinking:
		var d thinkingData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		if d.Text == "" {
			return nil
		}
		latest, err := tx.LatestMessage(ctx, conv.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if latest != nil && latest.Role == "assistant" {
			return tx.AppendThinking(ctx, conv.ID, latest.Sequence, d.Text)
		}
		return r.applyContent(ctx, tx, conv, storage.Content{
			Messages: []storage.Message{{Role: "assistant", Thinking: d.Text, EmittedAt: at}},
		}, run)

	case TypeError:
		var d errorData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.applyContent(ctx, tx, conv, storage.Content{
			Messages: []storage.Message{{Role: "system", Kind: "error", Content: d.Message, EmittedAt: at}},
		}, run)

	case TypeMetadata:
		var d map[string]any
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		if d["kind"] == "compact_boundary" {
			return r.applyContent(ctx, tx, conv, storage.Content{EpochBoundaries: 1}, run)
		}
		return tx.MergeMetadata(ctx, conv.ID, d)

	case TypeSessionEnd:
		var d sessionEndData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		status := d.Status
		switch status {
		case "":
			status = storage.StatusCompleted
		case storage.StatusCompleted, storage.StatusFailed, storage.StatusAbandoned:
		default:
			run.warn("event %d: unknown session status %q, treating as completed", ev.Sequence, status)
			status = storage.StatusCompleted
		}
		if err := tx.SetTerminalStatus(ctx, conv.ID, status, at); err != nil {
			return err
		}
		conv.Status = status
		return nil
	}
	return fmt.Errorf("%w: unknown event type %q", ErrInvalidBatch, ev.Type)
}

func decodeData(ev Event, v any) error {
	if err := decode(ev.Data, v); err != nil {
		return fmt.Errorf("%w: event %d data: %v", ErrInvalidBatch, ev.Sequence, err)
	}
	return nil
}

func (r *Reconciler) applyContent(ctx context.Context, tx *storage.Tx, conv *storage.Conversation, c storage.Content, run *batchRun) error {
	stats, err := tx.ApplyContent(ctx, conv, c)
	if err != nil {
		return err
	}
	run.messages += stats.MessagesAdded
	for _, id := range stats.UnmatchedResults {
		run.warn("tool result %s has no matching tool call", id)
	}
	return nil
}

// assistantMessage returns the sequence of the latest message when it is an
// assistant message, appending an empty one otherwise.
func (r *Reconciler) assistantMessage(ctx context.Context, tx *storage.Tx, conv *storage.Conversation, at time.Time, run *batchRun) (int, error) {
	latest, err := tx.LatestMessage(ctx, conv.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	if latest != nil && latest.Role == "assistant" {
		return latest.Sequence, nil
	}
	stats, err := tx.ApplyContent(ctx, conv, storage.Content{
		Messages: []storage.Message{{Role: "assistant", EmittedAt: at}},
	})
	if err != nil {
		return 0, err
	}
	run.messages += stats.MessagesAdded
	return stats.LastSequence, nil
}
