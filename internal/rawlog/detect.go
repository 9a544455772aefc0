// Package rawlog observes tracked log files and classifies how they changed
// since the last successful parse.
package rawlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kalambet/sessiond/internal/storage"
)

// ChangeType classifies a file's evolution against its RawLogState.
type ChangeType string

const (
	// ChangeNew means no progress marker exists yet; a full parse is required.
	ChangeNew       ChangeType = "new"
	ChangeUnchanged ChangeType = "unchanged"
	ChangeAppend    ChangeType = "append"
	ChangeTruncate  ChangeType = "truncate"
	ChangeRewrite   ChangeType = "rewrite"
)

// FullReparse reports whether the change can only be handled by parsing
// the whole file again.
func (c ChangeType) FullReparse() bool {
	switch c {
	case ChangeNew, ChangeTruncate, ChangeRewrite:
		return true
	}
	return false
}

// Observation is one hashed snapshot of a file.
type Observation struct {
	Path string
	// Size is the number of bytes hashed. Parsers must not read past it.
	Size int64
	// FullHash covers [0, Size).
	FullHash string
	// PrefixHash covers [0, state.LastOffset) and is empty when the file is
	// shorter than that offset or there was no prior state.
	PrefixHash string
	// LineEnd is the offset just past the last newline; LineEndHash covers [0, LineEnd).
	LineEnd     int64
	LineEndHash string
	// Err is a read failure part way through hashing. Classify treats it as a rewrite.
	Err error
}

const chunkSize = 64 * 1024

// Observe hashes path in a single pass, taking hash snapshots at the prior
// offset and at the last complete line. It fails only when the file cannot
// be opened; read errors are reported through Observation.Err.
func Observe(path string, state *storage.RawLogState) (Observation, error) {
	obs := Observation{Path: path}
	f, err := os.Open(path)
	if err != nil {
		return obs, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	prefixAt := int64(-1)
	if state != nil {
		prefixAt = state.LastOffset
	}

	h := sha256.New()
	empty := hex.EncodeToString(h.Sum(nil))
	obs.LineEndHash = empty
	if prefixAt == 0 {
		obs.PrefixHash = empty
	}

	buf := make([]byte, chunkSize)
	var n int64
	for {
		k, rerr := f.Read(buf)
		if k > 0 {
			chunk := buf[:k]
			var cuts []int
			if prefixAt > n && prefixAt <= n+int64(k) {
				cuts = append(cuts, int(prefixAt-n))
			}
			nl := bytes.LastIndexByte(chunk, '\n')
			if nl >= 0 {
				cuts = append(cuts, nl+1)
			}
			sort.Ints(cuts)

			pos := 0
			for _, c := range cuts {
				h.Write(chunk[pos:c])
				pos = c
				abs := n + int64(c)
				sum := hex.EncodeToString(h.Sum(nil))
				if abs == prefixAt {
					obs.PrefixHash = sum
				}
				if nl >= 0 && c == nl+1 {
					obs.LineEnd = abs
					obs.LineEndHash = sum
				}
			}
			h.Write(chunk[pos:])
			n += int64(k)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			obs.Err = fmt.Errorf("reading %s at offset %d: %w", path, n, rerr)
			break
		}
	}

	obs.Size = n
	obs.FullHash = hex.EncodeToString(h.Sum(nil))
	return obs, nil
}

// Classify compares an observation with the stored progress marker. It has
// no side effects. The returned warning is non-empty when classification
// fell back to a rewrite because the observation was incomplete.
func Classify(obs Observation, state *storage.RawLogState) (ChangeType, string) {
	if state == nil {
		return ChangeNew, ""
	}
	if obs.Err != nil {
		return ChangeRewrite, fmt.Sprintf("change detection failed, reparsing in full: %v", obs.Err)
	}
	if state.FullHash != "" && obs.FullHash == state.FullHash {
		return ChangeUnchanged, ""
	}
	if obs.Size == state.LastOffset && obs.FullHash == state.FullHash {
		return ChangeUnchanged, ""
	}
	if obs.Size < state.LastOffset {
		return ChangeTruncate, ""
	}
	if obs.Size > state.LastOffset && obs.PrefixHash != "" && obs.PrefixHash == state.PrefixHash {
		return ChangeAppend, ""
	}
	return ChangeRewrite, ""
}

// HashPrefix returns the hash of the first n bytes of path.
func HashPrefix(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	copied, err := io.CopyN(h, f, n)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	if copied != n {
		return "", fmt.Errorf("hashing %s: file has %d bytes, want %d", path, copied, n)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Advance builds the progress marker after a parse that consumed the file
// up to offset (line count line). The prefix hash is taken from the
// observation when offset matches one of its snapshots.
func Advance(obs Observation, prev *storage.RawLogState, convID string, offset int64, line int) (*storage.RawLogState, error) {
	next := &storage.RawLogState{
		ConversationID: convID,
		FilePath:       obs.Path,
		LastOffset:     offset,
		LastLine:       line,
		FullHash:       obs.FullHash,
	}
	if prev != nil {
		next.ID = prev.ID
	}
	switch offset {
	case obs.Size:
		next.PrefixHash = obs.FullHash
	case obs.LineEnd:
		next.PrefixHash = obs.LineEndHash
	default:
		h, err := HashPrefix(obs.Path, offset)
		if err != nil {
			return nil, err
		}
		next.PrefixHash = h
	}
	return next, nil
}
