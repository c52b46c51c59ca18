package stream

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

func startTestBus(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcastReachesMatchingProject(t *testing.T) {
	url := startTestBus(t)
	b, err := NewBroadcaster(url)
	if err != nil {
		t.Fatalf("NewBroadcaster failed: %v", err)
	}
	defer b.Close()

	sub, err := b.Subscribe("proj-a", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(Event{Type: EventObservationAdded, Project: "proj-a", Timestamp: 123}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev := recvEvent(t, sub)
	if ev.Type != EventObservationAdded || ev.Timestamp != 123 {
		t.Errorf("unexpected event delivered: %+v", ev)
	}
}

func TestBroadcastSkipsNonMatchingProject(t *testing.T) {
	url := startTestBus(t)
	b, err := NewBroadcaster(url)
	if err != nil {
		t.Fatalf("NewBroadcaster failed: %v", err)
	}
	defer b.Close()

	sub, err := b.Subscribe("proj-a", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(Event{Type: EventMemorySaved, Project: "proj-b", Timestamp: 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-sub.C:
		t.Errorf("expected no delivery for another project, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroadcastWithoutTargetsReachesEveryone(t *testing.T) {
	url := startTestBus(t)
	b, err := NewBroadcaster(url)
	if err != nil {
		t.Fatalf("NewBroadcaster failed: %v", err)
	}
	defer b.Close()

	subA, err := b.Subscribe("proj-a", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer subA.Close()
	subB, err := b.Subscribe("", "sess-9")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer subB.Close()

	if err := b.Publish(Event{Type: EventSessionInit, Timestamp: 7}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if ev := recvEvent(t, subA); ev.Type != EventSessionInit {
		t.Errorf("subscriber A: unexpected event %+v", ev)
	}
	if ev := recvEvent(t, subB); ev.Type != EventSessionInit {
		t.Errorf("subscriber B: unexpected event %+v", ev)
	}

	if got := b.ClientCount(); got != 2 {
		t.Errorf("expected 2 active subscriptions, got %d", got)
	}
}
