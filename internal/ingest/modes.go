package ingest

import (
	"errors"
	"fmt"
)

// UpdateMode decides what happens when an ingested file belongs to a
// conversation that already exists.
type UpdateMode string

const (
	// ModeSkip leaves existing conversations untouched.
	ModeSkip UpdateMode = "skip"
	// ModeReplace reparses the whole file and replaces the conversation's content.
	ModeReplace UpdateMode = "replace"
	// ModeAppend only accepts true appends; any other change fails the job.
	ModeAppend UpdateMode = "append"
	// ModeAuto appends when it can and reparses in full otherwise.
	ModeAuto UpdateMode = "auto"
)

// ParseUpdateMode validates s. The empty string means ModeSkip.
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch m := UpdateMode(s); m {
	case "":
		return ModeSkip, nil
	case ModeSkip, ModeReplace, ModeAppend, ModeAuto:
		return m, nil
	}
	return "", fmt.Errorf("unknown update mode %q (want skip, replace, append or auto)", s)
}

// Ingestion sources recorded on jobs and conversations.
const (
	SourceCLI       = "cli"
	SourceUpload    = "upload"
	SourceWatch     = "watch"
	SourceCollector = "collector-api"
)

var (
	// ErrAppendRequiresAppend is returned in append mode when the file did
	// not simply grow since the last parse.
	ErrAppendRequiresAppend = errors.New("append mode requires an appended file")

	// ErrStateConflict means another writer advanced the conversation or
	// its raw log state between planning and commit. It is retryable.
	ErrStateConflict = errors.New("ingestion state changed concurrently")
)
