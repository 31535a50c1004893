package stream

import (
	"testing"
	"time"

	"github.com/edict-hq/edict/model"
)

func recvEvent(t *testing.T, sub *Subscription) model.RunEvent {
	t.Helper()
	select {
	case ev := <-sub.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.RunEvent{}
	}
}

func TestPublish_deliversInOrder(t *testing.T) {
	s := NewStreamer(nil, nil)
	sub := s.Subscribe("run-1", nil)
	defer s.Unsubscribe(sub)

	for i := 1; i <= 3; i++ {
		s.Publish(model.RunEvent{RunID: "run-1", Sequence: i, Kind: "status"})
	}
	for i := 1; i <= 3; i++ {
		if ev := recvEvent(t, sub); ev.Sequence != i {
			t.Fatalf("sequence = %d, want %d", ev.Sequence, i)
		}
	}
}

func TestPublish_isolatesRuns(t *testing.T) {
	s := NewStreamer(nil, nil)
	a := s.Subscribe("run-a", nil)
	b := s.Subscribe("run-b", nil)
	defer s.Unsubscribe(a)
	defer s.Unsubscribe(b)

	s.Publish(model.RunEvent{RunID: "run-a", Sequence: 1})

	if ev := recvEvent(t, a); ev.RunID != "run-a" {
		t.Fatalf("run_id = %q", ev.RunID)
	}
	select {
	case ev := <-b.Events:
		t.Fatalf("run-b subscriber received foreign event: %+v", ev)
	default:
	}
}

func TestSubscribe_backlogPrecedesLiveEvents(t *testing.T) {
	s := NewStreamer(nil, nil)
	backlog := []model.RunEvent{
		{RunID: "run-1", Sequence: 1, Kind: "status"},
		{RunID: "run-1", Sequence: 2, Kind: "propose_search"},
	}
	sub := s.Subscribe("run-1", backlog)
	defer s.Unsubscribe(sub)

	s.Publish(model.RunEvent{RunID: "run-1", Sequence: 3, Kind: "status"})

	for i := 1; i <= 3; i++ {
		if ev := recvEvent(t, sub); ev.Sequence != i {
			t.Fatalf("sequence = %d, want %d", ev.Sequence, i)
		}
	}
}

func TestPublish_dropsSlowSubscriber(t *testing.T) {
	s := NewStreamer(nil, nil)
	sub := s.Subscribe("run-1", nil)

	// Fill the buffer without draining, then overflow it.
	for i := 0; i <= subscriberBuffer; i++ {
		s.Publish(model.RunEvent{RunID: "run-1", Sequence: i})
	}

	select {
	case <-sub.Closed:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	if s.Subscribers("run-1") != 0 {
		t.Errorf("subscribers = %d, want 0", s.Subscribers("run-1"))
	}
}

func TestCloseRun_disconnectsAll(t *testing.T) {
	s := NewStreamer(nil, nil)
	a := s.Subscribe("run-1", nil)
	b := s.Subscribe("run-1", nil)

	s.CloseRun("run-1")

	for _, sub := range []*Subscription{a, b} {
		select {
		case <-sub.Closed:
		case <-time.After(time.Second):
			t.Fatal("subscriber not closed")
		}
	}
}

func TestUnsubscribe_idempotent(t *testing.T) {
	s := NewStreamer(nil, nil)
	sub := s.Subscribe("run-1", nil)
	s.Unsubscribe(sub)
	s.Unsubscribe(sub)
	if s.Subscribers("run-1") != 0 {
		t.Error("expected no subscribers")
	}
}
