package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/sessiond/internal/notify"
	"github.com/kalambet/sessiond/internal/storage"
)

type mockStore struct {
	linkFn    func(ctx context.Context, ttl time.Duration) (storage.LinkReport, error)
	abandonFn func(ctx context.Context, d time.Duration) ([]string, error)
}

func (m *mockStore) LinkPendingParents(ctx context.Context, ttl time.Duration) (storage.LinkReport, error) {
	return m.linkFn(ctx, ttl)
}

func (m *mockStore) MarkAbandoned(ctx context.Context, d time.Duration) ([]string, error) {
	return m.abandonFn(ctx, d)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *storage.Store, key, parent string, lastActivity time.Time) string {
	t.Helper()
	ctx := context.Background()
	var id string
	err := s.WithTx(ctx, func(tx *storage.Tx) error {
		conv, _, err := tx.EnsureConversation(ctx, storage.Conversation{SessionKey: key, Source: "test"})
		if err != nil {
			return err
		}
		id = conv.ID
		if _, err := tx.ApplyContent(ctx, conv, storage.Content{
			Messages: []storage.Message{{Role: "user", Content: "hi", EmittedAt: lastActivity}},
		}); err != nil {
			return err
		}
		return tx.DeclareParent(ctx, conv, parent)
	})
	if err != nil {
		t.Fatalf("seeding %s: %v", key, err)
	}
	return id
}

func TestRunOnce_LinksAndAbandons(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	child := seedConversation(t, store, "child", "parent", time.Now())
	stale := seedConversation(t, store, "stale", "", time.Now().Add(-72*time.Hour))
	seedConversation(t, store, "parent", "", time.Now())

	hub := notify.NewHub(4)
	sub := hub.Subscribe(stale)
	defer sub.Close()

	s := New(store, Config{AbandonAfter: 24 * time.Hour}, hub)
	report, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(report.Linked) != 1 || report.Linked[0] != child {
		t.Errorf("Linked = %v, want [%s]", report.Linked, child)
	}
	if len(report.Abandoned) != 1 || report.Abandoned[0] != stale {
		t.Errorf("Abandoned = %v, want [%s]", report.Abandoned, stale)
	}
	got, _ := store.GetConversation(ctx, stale)
	if got.Status != storage.StatusAbandoned {
		t.Errorf("stale Status = %q", got.Status)
	}
	select {
	case u := <-sub.C():
		if u.Status != storage.StatusAbandoned {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Error("no update published for abandoned conversation")
	}
}

func TestRunOnce_ZeroAbandonAfterDisables(t *testing.T) {
	store := openTestStore(t)
	id := seedConversation(t, store, "old", "", time.Now().Add(-720*time.Hour))

	report, err := New(store, Config{}, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(report.Abandoned) != 0 {
		t.Errorf("Abandoned = %v, want none", report.Abandoned)
	}
	got, _ := store.GetConversation(context.Background(), id)
	if got.Status != storage.StatusOpen {
		t.Errorf("Status = %q, want open", got.Status)
	}
}

func TestRunOnce_LinkFailureStillAbandons(t *testing.T) {
	abandonCalled := false
	m := &mockStore{
		linkFn: func(ctx context.Context, ttl time.Duration) (storage.LinkReport, error) {
			return storage.LinkReport{}, errors.New("db locked")
		},
		abandonFn: func(ctx context.Context, d time.Duration) ([]string, error) {
			abandonCalled = true
			return []string{"c1"}, nil
		},
	}
	report, err := New(m, Config{AbandonAfter: time.Hour}, nil).RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected link error to be returned")
	}
	if !abandonCalled || len(report.Abandoned) != 1 {
		t.Errorf("abandon sweep skipped: called=%v report=%+v", abandonCalled, report)
	}
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	m := &mockStore{}
	if err := New(m, Config{Schedule: "not a schedule"}, nil).Start(context.Background()); err == nil {
		t.Error("expected schedule error")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	ran := make(chan time.Duration, 4)
	m := &mockStore{
		linkFn: func(ctx context.Context, ttl time.Duration) (storage.LinkReport, error) {
			ran <- ttl
			return storage.LinkReport{}, nil
		},
		abandonFn: func(ctx context.Context, d time.Duration) ([]string, error) { return nil, nil },
	}
	s := New(m, Config{Schedule: "@every 1s", OrphanTTL: time.Hour}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case ttl := <-ran:
		if ttl != time.Hour {
			t.Errorf("orphan ttl = %v, want 1h", ttl)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run")
	}
}
