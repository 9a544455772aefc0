package notify

import "testing"

func TestHub_DeliversToMatchingSubscribers(t *testing.T) {
	h := NewHub(4)
	all := h.Subscribe("")
	one := h.Subscribe("c1")
	defer all.Close()
	defer one.Close()

	h.Publish(Update{ConversationID: "c1", MessagesAdded: 2})
	h.Publish(Update{ConversationID: "c2"})

	if got := len(all.C()); got != 2 {
		t.Errorf("unfiltered subscriber got %d updates, want 2", got)
	}
	if got := len(one.C()); got != 1 {
		t.Fatalf("filtered subscriber got %d updates, want 1", got)
	}
	u := <-one.C()
	if u.ConversationID != "c1" || u.MessagesAdded != 2 || u.At.IsZero() {
		t.Errorf("update = %+v", u)
	}
}

// TestHub_DropsSlowSubscriber verifies a full buffer drops the subscriber
// instead of blocking Publish.
func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := NewHub(1)
	slow := h.Subscribe("")

	h.Publish(Update{ConversationID: "a"})
	h.Publish(Update{ConversationID: "b"})

	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0 after drop", h.Len())
	}
	<-slow.C()
	if _, ok := <-slow.C(); ok {
		t.Error("expected channel closed after drop")
	}
	slow.Close()
}

func TestHub_NilPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(Update{ConversationID: "x"})
}
