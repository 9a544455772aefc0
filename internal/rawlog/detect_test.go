package rawlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/sessiond/internal/storage"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func observe(t *testing.T, path string, state *storage.RawLogState) Observation {
	t.Helper()
	obs, err := Observe(path, state)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	return obs
}

// stateAfter returns the marker a full parse of path would leave behind.
func stateAfter(t *testing.T, path string) *storage.RawLogState {
	t.Helper()
	obs := observe(t, path, nil)
	st, err := Advance(obs, nil, "conv", obs.LineEnd, strings.Count(mustRead(t, path), "\n"))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	return st
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(b)
}

func TestClassify_NoState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, path, "{}\n")
	got, warn := Classify(observe(t, path, nil), nil)
	if got != ChangeNew || warn != "" {
		t.Errorf("Classify = %q, %q; want new", got, warn)
	}
	if !got.FullReparse() {
		t.Error("new files require a full parse")
	}
}

func TestClassify_Unchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, path, "{\"a\":1}\n{\"b\":2}\n")
	st := stateAfter(t, path)

	got, _ := Classify(observe(t, path, st), st)
	if got != ChangeUnchanged {
		t.Errorf("Classify = %q, want unchanged", got)
	}
}

// TestClassify_UnchangedWithPartialLine verifies a trailing partial line that
// was not consumed does not make an untouched file look appended.
func TestClassify_UnchangedWithPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, path, "{\"a\":1}\n{\"b\":")
	st := stateAfter(t, path)
	if st.LastOffset != int64(len("{\"a\":1}\n")) {
		t.Fatalf("LastOffset = %d, want first line only", st.LastOffset)
	}

	got, _ := Classify(observe(t, path, st), st)
	if got != ChangeUnchanged {
		t.Errorf("Classify = %q, want unchanged", got)
	}

	writeFile(t, path, "{\"a\":1}\n{\"b\":2}\n")
	got, _ = Classify(observe(t, path, st), st)
	if got != ChangeAppend {
		t.Errorf("after completing the line Classify = %q, want append", got)
	}
}

func TestClassify_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, path, "{\"a\":1}\n")
	st := stateAfter(t, path)

	writeFile(t, path, "{\"a\":1}\n{\"b\":2}\n")
	obs := observe(t, path, st)
	got, _ := Classify(obs, st)
	if got != ChangeAppend {
		t.Errorf("Classify = %q, want append", got)
	}
	if got.FullReparse() {
		t.Error("append must not require a full parse")
	}
	if obs.Size <= st.LastOffset {
		t.Errorf("Size = %d, want > %d", obs.Size, st.LastOffset)
	}
}

func TestClassify_Truncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, path, "{\"a\":1}\n{\"b\":2}\n")
	st := stateAfter(t, path)

	writeFile(t, path, "{\"a\":1}\n")
	got, _ := Classify(observe(t, path, st), st)
	if got != ChangeTruncate {
		t.Errorf("Classify = %q, want truncate", got)
	}
}

func TestClassify_Rewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	writeFile(t, path, "{\"a\":1}\n")
	st := stateAfter(t, path)

	writeFile(t, path, "{\"z\":9}\n{\"b\":2}\n")
	got, _ := Classify(observe(t, path, st), st)
	if got != ChangeRewrite {
		t.Errorf("Classify = %q, want rewrite", got)
	}

	// Same length, different bytes.
	writeFile(t, path, "{\"a\":2}\n")
	got, _ = Classify(observe(t, path, st), st)
	if got != ChangeRewrite {
		t.Errorf("same-length Classify = %q, want rewrite", got)
	}
}

func TestClassify_ObservationErrorIsRewrite(t *testing.T) {
	st := &storage.RawLogState{LastOffset: 4, PrefixHash: "p", FullHash: "f"}
	obs := Observation{Size: 10, Err: os.ErrClosed}
	got, warn := Classify(obs, st)
	if got != ChangeRewrite {
		t.Errorf("Classify = %q, want rewrite", got)
	}
	if warn == "" {
		t.Error("expected a warning for the failed observation")
	}
}

// TestObserve_SnapshotsMatchHashPrefix verifies the single-pass snapshots
// agree with hashing the prefix directly, across chunk boundaries.
func TestObserve_SnapshotsMatchHashPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.jsonl")
	line := `{"type":"user","message":"` + strings.Repeat("x", 1000) + `"}` + "\n"
	content := strings.Repeat(line, 200) + `{"partial":`
	writeFile(t, path, content)

	offset := int64(len(line) * 70)
	obs := observe(t, path, &storage.RawLogState{LastOffset: offset})

	want, err := HashPrefix(path, offset)
	if err != nil {
		t.Fatalf("HashPrefix: %v", err)
	}
	if obs.PrefixHash != want {
		t.Errorf("PrefixHash = %s, want %s", obs.PrefixHash, want)
	}
	if obs.LineEnd != int64(len(line)*200) {
		t.Errorf("LineEnd = %d, want %d", obs.LineEnd, len(line)*200)
	}
	wantLine, _ := HashPrefix(path, obs.LineEnd)
	if obs.LineEndHash != wantLine {
		t.Errorf("LineEndHash mismatch")
	}
	wantFull, _ := HashPrefix(path, int64(len(content)))
	if obs.FullHash != wantFull || obs.Size != int64(len(content)) {
		t.Errorf("FullHash/Size mismatch: size=%d", obs.Size)
	}
}

func TestObserve_MissingFile(t *testing.T) {
	if _, err := Observe(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHashPrefix_ShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a")
	writeFile(t, path, "abc")
	if _, err := HashPrefix(path, 10); err == nil {
		t.Error("expected error when file is shorter than prefix")
	}
}
