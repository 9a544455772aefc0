package events

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeBatch_Valid(t *testing.T) {
	raw := []byte(`{"session_id":"s1","events":[
		{"sequence":1,"type":"session_start","emitted_at":"2026-03-01T10:00:00Z","data":{"agent_type":"claude-code"}},
		{"sequence":2,"type":"message","emitted_at":"2026-03-01T10:00:01Z","data":{"role":"user","content":"hi"}}
	]}`)
	b, err := DecodeBatch(raw)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if b.SessionID != "s1" || len(b.Events) != 2 || b.Events[1].Sequence != 2 {
		t.Errorf("batch = %+v", b)
	}
	if b.Events[0].EmittedAt.IsZero() {
		t.Error("emitted_at not decoded")
	}
}

func TestDecodeBatch_ObservedAt(t *testing.T) {
	raw := []byte(`{"session_id":"s1","events":[
		{"sequence":1,"type":"thinking","emitted_at":"2026-03-01T10:00:00.250+01:00","observed_at":"2026-03-01T09:00:01Z"}
	]}`)
	b, err := DecodeBatch(raw)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	ev := b.Events[0]
	if got := ev.ObservedAt.Sub(ev.EmittedAt); got != 750*time.Millisecond {
		t.Errorf("observed - emitted = %s, want 750ms", got)
	}
}

func TestDecodeBatch_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing session":   `{"events":[]}`,
		"bad type":          `{"session_id":"s","events":[{"sequence":1,"type":"nope","emitted_at":"2026-03-01T10:00:00Z"}]}`,
		"zero sequence":     `{"session_id":"s","events":[{"sequence":0,"type":"message","emitted_at":"2026-03-01T10:00:00Z","data":{"role":"user"}}]}`,
		"message sans role": `{"session_id":"s","events":[{"sequence":1,"type":"message","emitted_at":"2026-03-01T10:00:00Z","data":{}}]}`,
		"bad end status":    `{"session_id":"s","events":[{"sequence":1,"type":"session_end","emitted_at":"2026-03-01T10:00:00Z","data":{"status":"paused"}}]}`,
		"bad timestamp":     `{"session_id":"s","events":[{"sequence":1,"type":"thinking","emitted_at":"yesterday"}]}`,
		"not json":          `{"session_id":`,
		"empty observed_at": `{"session_id":"s","events":[{"sequence":1,"type":"thinking","emitted_at":"2026-03-01T10:00:00Z","observed_at":""}]}`,
		"empty emitted_at":  `{"session_id":"s","events":[{"sequence":1,"type":"thinking","emitted_at":""}]}`,
		"date only":         `{"session_id":"s","events":[{"sequence":1,"type":"thinking","emitted_at":"2026-03-01"}]}`,
	}
	for name, raw := range cases {
		if _, err := DecodeBatch([]byte(raw)); !errors.Is(err, ErrInvalidBatch) {
			t.Errorf("%s: err = %v, want ErrInvalidBatch", name, err)
		}
	}
}
