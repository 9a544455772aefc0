package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/sessiond/internal/events"
	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/notify"
	"github.com/kalambet/sessiond/internal/parser"
	"github.com/kalambet/sessiond/internal/parser/claude"
	"github.com/kalambet/sessiond/internal/storage"
)

const testToken = "test-token-12345"

type testApp struct {
	handler   http.Handler
	store     *storage.Store
	hub       *notify.Hub
	uploadDir string
}

func setupAppHandler(t *testing.T, token string) testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := notify.NewHub(16)
	uploadDir := filepath.Join(t.TempDir(), "uploads")
	handler := NewAppHandler(AppDeps{
		Store:      store,
		Ingester:   ingest.NewOrchestrator(ingest.Deps{Store: store, Parsers: parser.NewRegistry(claude.New()), Publisher: hub}),
		Reconciler: events.NewReconciler(events.Deps{Store: store, Publisher: hub}),
		Hub:        hub,
		Token:      token,
		UploadDir:  uploadDir,
	})
	return testApp{handler: handler, store: store, hub: hub, uploadDir: uploadDir}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(app testApp, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)
	return rr
}

func claudeLine(session, role, text string) string {
	return fmt.Sprintf(`{"type":%q,"sessionId":%q,"timestamp":"2026-03-01T10:00:00Z","message":{"role":%q,"content":%q}}`+"\n",
		role, session, role, text)
}

func eventBatch(session string, seqs ...int) string {
	var evs []string
	for _, seq := range seqs {
		evs = append(evs, fmt.Sprintf(`{"sequence":%d,"type":"message","emitted_at":"2026-03-01T10:00:%02dZ","data":{"role":"user","content":"m%d"}}`, seq, seq, seq))
	}
	return fmt.Sprintf(`{"session_id":%q,"events":[%s]}`, session, strings.Join(evs, ","))
}

func TestHealth_NoAuth(t *testing.T) {
	app := setupAppHandler(t, testToken)
	rr := serve(app, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestEvents_NoAuth(t *testing.T) {
	app := setupAppHandler(t, testToken)
	rr := serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s", 1), ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	rr = serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s", 1), "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestEvents_Accepted(t *testing.T) {
	app := setupAppHandler(t, testToken)
	rr := serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 1, 2), testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var res events.ApplyResult
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Accepted != 2 || res.LastSequence != 2 || res.ConversationID == "" || res.JobID == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestEvents_DuplicateBatch(t *testing.T) {
	app := setupAppHandler(t, testToken)
	serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 1, 2), testToken))

	rr := serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 1, 2), testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var res events.ApplyResult
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Accepted != 0 || res.LastSequence != 2 {
		t.Errorf("result = %+v, want accepted 0 last 2", res)
	}
}

func TestEvents_SequenceGap(t *testing.T) {
	app := setupAppHandler(t, testToken)
	serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 1, 2), testToken))

	rr := serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 5), testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusConflict, rr.Body.String())
	}
	var body struct {
		Error            errorDetail `json:"error"`
		ExpectedSequence int64       `json:"expected_sequence"`
		LastSequence     int64       `json:"last_sequence"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Error.Type != "sequence_gap" || body.ExpectedSequence != 3 || body.LastSequence != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestEvents_SchemaViolation(t *testing.T) {
	app := setupAppHandler(t, testToken)
	body := `{"session_id":"s1","events":[{"sequence":1,"type":"message","emitted_at":"2026-03-01T10:00:00Z","data":{}}]}`
	rr := serve(app, authReq(http.MethodPost, "/v1/events", body, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestUpload_IngestsThenAppends(t *testing.T) {
	app := setupAppHandler(t, testToken)
	first := claudeLine("up-1", "user", "hello")

	rr := serve(app, authReq(http.MethodPost, "/v1/ingest?filename=up-1.jsonl", first, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var v IngestView
	json.NewDecoder(rr.Body).Decode(&v)
	if v.Status != storage.JobSuccess || v.MessagesAdded != 1 || v.SessionKey != "up-1" {
		t.Fatalf("first upload = %+v", v)
	}
	if _, err := os.Stat(filepath.Join(app.uploadDir, "up-1.jsonl")); err != nil {
		t.Errorf("upload not stored: %v", err)
	}

	grown := first + claudeLine("up-1", "assistant", "hi there")
	rr = serve(app, authReq(http.MethodPost, "/v1/ingest?filename=up-1.jsonl&update_mode=append", grown, testToken))
	var v2 IngestView
	json.NewDecoder(rr.Body).Decode(&v2)
	if rr.Code != http.StatusOK || v2.ChangeType != "append" || v2.MessagesAdded != 1 || v2.MessageCount != 2 {
		t.Errorf("append upload = %d %+v", rr.Code, v2)
	}
	if v2.ConversationID != v.ConversationID {
		t.Errorf("conversation changed: %s -> %s", v.ConversationID, v2.ConversationID)
	}
}

func TestUpload_Rejections(t *testing.T) {
	app := setupAppHandler(t, testToken)
	cases := []struct {
		url  string
		body string
		want int
	}{
		{"/v1/ingest", "x\n", http.StatusBadRequest},
		{"/v1/ingest?filename=..", "x\n", http.StatusBadRequest},
		{"/v1/ingest?filename=a.jsonl&update_mode=merge", "x\n", http.StatusBadRequest},
		{"/v1/ingest?filename=notes.txt", "hello world\n", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rr := serve(app, authReq(http.MethodPost, tc.url, tc.body, testToken))
		if rr.Code != tc.want {
			t.Errorf("%s: status = %d, want %d; body = %s", tc.url, rr.Code, tc.want, rr.Body.String())
		}
	}
}

func TestUpload_PathTraversalStaysInUploadDir(t *testing.T) {
	name, err := uploadName("../../etc/passwd.jsonl")
	if err != nil {
		t.Fatalf("uploadName: %v", err)
	}
	if name != "passwd.jsonl" {
		t.Errorf("name = %q, want passwd.jsonl", name)
	}
}

func TestIngestionJobs_ListAndGet(t *testing.T) {
	app := setupAppHandler(t, testToken)
	serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 1), testToken))
	serve(app, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 3), testToken))

	rr := serve(app, authReq(http.MethodGet, "/v1/ingestion-jobs?status=failed", "", testToken))
	var jobs []JobView
	json.NewDecoder(rr.Body).Decode(&jobs)
	if rr.Code != http.StatusOK || len(jobs) != 1 || jobs[0].Source != ingest.SourceCollector {
		t.Fatalf("failed jobs = %d %+v", rr.Code, jobs)
	}
	if jobs[0].Metrics["expected_sequence"] != float64(2) {
		t.Errorf("metrics = %v", jobs[0].Metrics)
	}

	rr = serve(app, authReq(http.MethodGet, "/v1/ingestion-jobs/"+jobs[0].ID, "", testToken))
	var job JobView
	json.NewDecoder(rr.Body).Decode(&job)
	if rr.Code != http.StatusOK || job.ID != jobs[0].ID || job.Error == "" {
		t.Errorf("job = %d %+v", rr.Code, job)
	}

	rr = serve(app, authReq(http.MethodGet, "/v1/ingestion-jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rr.Code)
	}
}

func TestConversations_GetBySessionKey(t *testing.T) {
	app := setupAppHandler(t, testToken)
	serve(app, authReq(http.MethodPost, "/v1/ingest?filename=c.jsonl", claudeLine("c-1", "user", "hi"), testToken))

	rr := serve(app, authReq(http.MethodGet, "/v1/conversations/c-1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var conv ConversationView
	json.NewDecoder(rr.Body).Decode(&conv)
	if conv.SessionKey != "c-1" || conv.MessageCount != 1 || len(conv.RawLogStates) != 1 {
		t.Fatalf("conversation = %+v", conv)
	}
	if conv.RawLogStates[0].LastOffset == 0 {
		t.Error("raw log state offset not reported")
	}

	rr = serve(app, authReq(http.MethodGet, "/v1/conversations/"+conv.ID+"/messages", "", testToken))
	var msgs []MessageView
	json.NewDecoder(rr.Body).Decode(&msgs)
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("messages = %+v", msgs)
	}

	rr = serve(app, authReq(http.MethodGet, "/v1/conversations/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", rr.Code)
	}
}

func TestEvents_BodyTooLarge(t *testing.T) {
	store, _ := storage.Open(":memory:")
	defer store.Close()
	h := NewAppHandler(AppDeps{
		Store:        store,
		Reconciler:   events.NewReconciler(events.Deps{Store: store}),
		Token:        testToken,
		MaxBodyBytes: 64,
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/events", eventBatch("s1", 1, 2, 3), testToken))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusRequestEntityTooLarge)
	}
}
