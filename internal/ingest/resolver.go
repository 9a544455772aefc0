package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kalambet/sessiond/internal/parser"
	"github.com/kalambet/sessiond/internal/storage"
)

// Action is the resolver's verdict for one observation.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionSkip      Action = "skip"
	ActionDuplicate Action = "duplicate"
)

// Lookup is the read side of the store the resolver needs.
type Lookup interface {
	GetConversation(ctx context.Context, id string) (*storage.Conversation, error)
	ConversationBySessionKey(ctx context.Context, key string) (*storage.Conversation, error)
	ConversationByFileHash(ctx context.Context, hash string) (*storage.Conversation, error)
}

// Identity is the stable key of the conversation a file belongs to.
type Identity struct {
	SessionKey string
	// Declared is true when the key came from the log itself rather than
	// from the file path.
	Declared bool
}

// IdentityFor returns the parser-declared session id of src when the
// parser can provide one, and a path-derived key otherwise. The returned
// warning is non-empty when the parser failed to read an id.
func IdentityFor(p parser.Parser, src parser.Source) (Identity, string) {
	var warning string
	if si, ok := p.(parser.SessionIdentifier); ok {
		id, err := si.SessionID(src)
		if err == nil && id != "" {
			return Identity{SessionKey: id, Declared: true}, ""
		}
		if err != nil {
			warning = fmt.Sprintf("reading session id: %v", err)
		}
	}
	abs, err := filepath.Abs(src.Path)
	if err != nil {
		abs = src.Path
	}
	return Identity{SessionKey: "file:" + abs}, warning
}

// Decision is the resolver output.
type Decision struct {
	Action       Action
	Conversation *storage.Conversation // nil when creating
	// State is the progress marker for the file when it belongs to
	// Conversation, used for change detection.
	State *storage.RawLogState
	// PathState is whatever marker is stored for the path, owned or not.
	// Persist compares it against the committed row to detect races.
	PathState *storage.RawLogState
}

// Resolver matches an observation to an existing conversation.
type Resolver struct {
	store Lookup
}

func NewResolver(store Lookup) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up, in order: a conversation last parsed from identical
// bytes (only a duplicate in skip mode), the session key, and the
// conversation that owns pathState. pathState is the stored progress
// marker for the observed file, or nil.
func (r *Resolver) Resolve(ctx context.Context, pathState *storage.RawLogState, fullHash string, id Identity, mode UpdateMode) (Decision, error) {
	d := Decision{PathState: pathState}

	if mode == ModeSkip && fullHash != "" {
		conv, err := r.store.ConversationByFileHash(ctx, fullHash)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Decision{}, fmt.Errorf("looking up by file hash: %w", err)
		}
		if conv != nil {
			d.Action = ActionDuplicate
			d.Conversation = conv
			return d, nil
		}
	}

	conv, err := r.store.ConversationBySessionKey(ctx, id.SessionKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("looking up session %s: %w", id.SessionKey, err)
	}
	if conv == nil && pathState != nil && pathState.ConversationID != "" {
		conv, err = r.store.GetConversation(ctx, pathState.ConversationID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Decision{}, fmt.Errorf("loading tracked conversation: %w", err)
		}
	}
	if conv == nil {
		d.Action = ActionCreate
		return d, nil
	}

	d.Conversation = conv
	if pathState != nil && pathState.ConversationID == conv.ID {
		d.State = pathState
	}
	if mode == ModeSkip {
		d.Action = ActionSkip
		return d, nil
	}
	d.Action = ActionUpdate
	return d, nil
}
