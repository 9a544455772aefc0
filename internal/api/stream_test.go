package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kalambet/sessiond/internal/notify"
)

func TestStream_DeliversUpdates(t *testing.T) {
	app := setupAppHandler(t, testToken)
	srv := httptest.NewServer(app.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?access_token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for app.hub.Len() == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscription was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/events", strings.NewReader(eventBatch("live", 1)))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("posting events: %v", err)
	}
	resp.Body.Close()

	var u notify.Update
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("reading update: %v", err)
	}
	if u.SessionKey != "live" || u.MessagesAdded != 1 || u.LastEventSequence != 1 {
		t.Errorf("update = %+v", u)
	}
}

func TestStream_RequiresToken(t *testing.T) {
	app := setupAppHandler(t, testToken)
	srv := httptest.NewServer(app.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}
