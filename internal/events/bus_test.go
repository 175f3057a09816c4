package events

import (
	"sync"
	"testing"

	"github.com/ankittk/crew/pkg/models"
)

func TestCallbackDelivery(t *testing.T) {
	t.Parallel()
	b := NewBus()

	var mu sync.Mutex
	var got []models.Event
	id := b.Subscribe(func(ev models.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	b.Publish(models.Event{Type: models.EventTaskStatus, TaskID: "t1", NewState: models.TaskInProgress})
	b.Publish(models.Event{Type: models.EventTaskStatus, TaskID: "t1", NewState: models.TaskCompleted})

	mu.Lock()
	if len(got) != 2 {
		t.Fatalf("delivered: got %d, want 2", len(got))
	}
	if got[0].NewState != models.TaskInProgress || got[1].NewState != models.TaskCompleted {
		t.Fatalf("order: got %q then %q", got[0].NewState, got[1].NewState)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("publish should stamp events")
	}
	mu.Unlock()

	b.Unsubscribe(id)
	b.Publish(models.Event{Type: models.EventTaskStatus, TaskID: "t2"})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("after unsubscribe: got %d events, want 2", len(got))
	}
}

func TestChannelSubscription(t *testing.T) {
	t.Parallel()
	b := NewBus()

	ch, cancel := b.SubscribeChan()
	b.Publish(models.Event{Type: models.EventAgentStatus, AgentID: "a1", NewState: models.AgentBusy})

	ev := <-ch
	if ev.AgentID != "a1" || ev.NewState != models.AgentBusy {
		t.Fatalf("received: got %+v", ev)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	cancel() // second cancel is a no-op
}

func TestSlowChannelDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	b := NewBus()

	ch, cancel := b.SubscribeChan()
	defer cancel()

	// Overfill the buffer; Publish must never block.
	for i := 0; i < models.DefaultEventChannelBuffer+10; i++ {
		b.Publish(models.Event{Type: models.EventTaskStatus, TaskID: "t"})
	}
	if len(ch) != models.DefaultEventChannelBuffer {
		t.Fatalf("buffered: got %d, want %d", len(ch), models.DefaultEventChannelBuffer)
	}
}
