package nodesync

import (
	"testing"
)

func TestProgressBroker_SessionFilter(t *testing.T) {
	broker := NewProgressBroker(4)

	only, cancelOnly := broker.Subscribe("s1")
	defer cancelOnly()
	all, cancelAll := broker.Subscribe("")
	defer cancelAll()

	broker.Publish(SessionEvent{SessionID: "s1", Progress: 10})
	broker.Publish(SessionEvent{SessionID: "s2", Progress: 20})

	if ev := <-only; ev.SessionID != "s1" {
		t.Errorf("filtered subscriber got %s", ev.SessionID)
	}
	select {
	case ev := <-only:
		t.Errorf("filtered subscriber got extra event %s", ev.SessionID)
	default:
	}

	first := <-all
	second := <-all
	if first.SessionID != "s1" || second.SessionID != "s2" {
		t.Errorf("all-sessions subscriber got %s, %s", first.SessionID, second.SessionID)
	}
}

func TestProgressBroker_SlowConsumerDrops(t *testing.T) {
	broker := NewProgressBroker(1)
	events, cancel := broker.Subscribe("")
	defer cancel()

	for i := 0; i < 3; i++ {
		broker.Publish(SessionEvent{SessionID: "s1", Progress: i})
	}

	// Buffer of one: only the first event survives, publishing never blocked.
	if ev := <-events; ev.Progress != 0 {
		t.Errorf("got progress %d, want 0", ev.Progress)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected buffered event %d", ev.Progress)
	default:
	}
}

func TestProgressBroker_CancelReleases(t *testing.T) {
	broker := NewProgressBroker(0)
	events, cancel := broker.Subscribe("s1")

	if broker.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", broker.SubscriberCount())
	}
	cancel()
	cancel() // idempotent

	if broker.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d after cancel, want 0", broker.SubscriberCount())
	}
	if _, open := <-events; open {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancellation must not panic on the closed channel.
	broker.Publish(SessionEvent{SessionID: "s1"})
}

func TestEventFor(t *testing.T) {
	sess := &InitialLoadSession{
		SessionID:          "s1",
		Status:             StatusTransferring,
		Progress:           55,
		CurrentStep:        "transferring",
		TotalRecords:       100,
		TransferredRecords: 55,
	}
	ev := eventFor(sess)
	if ev.SessionID != "s1" || ev.Status != StatusTransferring || ev.Progress != 55 {
		t.Errorf("event = %+v", ev)
	}
	if ev.TransferredRecords != 55 || ev.TotalRecords != 100 {
		t.Errorf("counters = %d/%d", ev.TransferredRecords, ev.TotalRecords)
	}
}
