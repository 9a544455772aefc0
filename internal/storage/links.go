package storage

import (
	"context"
	"fmt"
	"time"
)

// LinkReport summarizes one parent-link sweep.
type LinkReport struct {
	Linked  []string // child conversation ids linked this sweep
	Expired []string // child conversation ids whose parent never arrived
	Pending int      // still waiting after the sweep
}

type pendingLink struct {
	id        string
	createdAt time.Time
}

// LinkPendingParents resolves children whose declared parent session now
// exists. Children still unresolved after orphanTTL are marked expired and
// left unlinked; a zero orphanTTL keeps them pending forever.
func (s *Store) LinkPendingParents(ctx context.Context, orphanTTL time.Duration) (LinkReport, error) {
	var report LinkReport

	rows, err := s.query(ctx, `SELECT id, created_at FROM conversations WHERE parent_link_state = ? ORDER BY created_at ASC`, LinkPending)
	if err != nil {
		return report, fmt.Errorf("listing pending links: %w", err)
	}
	var pending []pendingLink
	for rows.Next() {
		var p pendingLink
		var created string
		if err := rows.Scan(&p.id, &created); err != nil {
			rows.Close()
			return report, err
		}
		if p.createdAt, err = parseTime(created); err != nil {
			rows.Close()
			return report, err
		}
		pending = append(pending, p)
	}
	if err := rows.Close(); err != nil {
		return report, err
	}

	now := s.now()
	for _, p := range pending {
		var outcome string
		err := s.WithTx(ctx, func(tx *Tx) error {
			child, err := tx.LockConversation(ctx, p.id)
			if err != nil {
				return err
			}
			if child.ParentLinkState != LinkPending {
				return nil
			}
			if err := tx.DeclareParent(ctx, child, child.ParentSessionID); err != nil {
				return err
			}
			if child.ParentLinkState == LinkLinked {
				outcome = LinkLinked
				return nil
			}
			if orphanTTL > 0 && now.Sub(p.createdAt) > orphanTTL {
				if _, err := tx.exec(ctx, `UPDATE conversations SET parent_link_state = ?, updated_at = ? WHERE id = ?`,
					LinkExpired, formatTime(now), child.ID); err != nil {
					return err
				}
				outcome = LinkExpired
				return tx.MergeMetadata(ctx, child.ID, map[string]any{
					"parent_link_expired_at": formatTime(now),
				})
			}
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("linking conversation %s: %w", p.id, err)
		}
		switch outcome {
		case LinkLinked:
			report.Linked = append(report.Linked, p.id)
		case LinkExpired:
			report.Expired = append(report.Expired, p.id)
		default:
			report.Pending++
		}
	}
	return report, nil
}

// MarkAbandoned moves open conversations with no activity since
// now-inactiveFor to abandoned and returns their ids.
func (s *Store) MarkAbandoned(ctx context.Context, inactiveFor time.Duration) ([]string, error) {
	if inactiveFor <= 0 {
		return nil, nil
	}
	cutoffAt := s.now().Add(-inactiveFor)
	cutoff := formatTime(cutoffAt)
	rows, err := s.query(ctx, `
		SELECT id FROM conversations
		WHERE status = ? AND COALESCE(NULLIF(end_time, ''), created_at) < ?`,
		StatusOpen, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing inactive conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var marked []string
	for _, id := range ids {
		changed := false
		err := s.WithTx(ctx, func(tx *Tx) error {
			conv, err := tx.LockConversation(ctx, id)
			if err != nil {
				return err
			}
			last := conv.EndTime
			if last.IsZero() {
				last = conv.CreatedAt
			}
			// Activity may have arrived since the listing query.
			if conv.Status != StatusOpen || !last.Before(cutoffAt) {
				return nil
			}
			changed = true
			return tx.SetTerminalStatus(ctx, id, StatusAbandoned, time.Time{})
		})
		if err != nil {
			return marked, fmt.Errorf("abandoning conversation %s: %w", id, err)
		}
		if changed {
			marked = append(marked, id)
		}
	}
	return marked, nil
}

// Reopen returns an abandoned conversation to open when new content arrives.
func (t *Tx) Reopen(ctx context.Context, conv *Conversation) error {
	if conv.Status != StatusAbandoned {
		return nil
	}
	if _, err := t.exec(ctx, `UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		StatusOpen, formatTime(t.now()), conv.ID); err != nil {
		return fmt.Errorf("reopening conversation: %w", err)
	}
	conv.Status = StatusOpen
	return nil
}
