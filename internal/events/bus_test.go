package events

import (
	"context"
	"testing"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
)

func TestMemoryBus_FanOutByProject(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	var gotA, gotB []Envelope
	if _, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(env Envelope) {
		gotA = append(gotA, env)
	}); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), []string{"proj_b"}, func(env Envelope) {
		gotB = append(gotB, env)
	}); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	env := Envelope{ID: "evt_1", ProjectID: "proj_a", Type: TypeRunPhaseChanged, Class: ClassDecision}
	if err := bus.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(gotA) != 1 {
		t.Fatalf("project a deliveries = %d, want 1", len(gotA))
	}
	if gotA[0].ID != "evt_1" {
		t.Errorf("delivered id = %q, want evt_1", gotA[0].ID)
	}
	if len(gotB) != 0 {
		t.Errorf("project b deliveries = %d, want 0", len(gotB))
	}
}

func TestMemoryBus_MultiProjectSubscription(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	var got []string
	if _, err := bus.Subscribe(context.Background(), []string{"proj_a", "proj_b"}, func(env Envelope) {
		got = append(got, env.ProjectID)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, project := range []string{"proj_a", "proj_b", "proj_c"} {
		if err := bus.Publish(context.Background(), Envelope{ID: "evt_" + project, ProjectID: project}); err != nil {
			t.Fatalf("publish %s: %v", project, err)
		}
	}

	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}
	if got[0] != "proj_a" || got[1] != "proj_b" {
		t.Errorf("delivered projects = %v, want [proj_a proj_b]", got)
	}
}

func TestMemoryBus_SubscribeRequiresProjects(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	if _, err := bus.Subscribe(context.Background(), nil, func(Envelope) {}); err == nil {
		t.Fatal("expected error for empty project set")
	}
}

func TestSubscription_UnsubscribeRunsOnce(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	delivered := 0
	sub, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(Envelope) {
		delivered++
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count after unsubscribe = %d, want 0", got)
	}
	if err := bus.Publish(context.Background(), Envelope{ID: "evt_1", ProjectID: "proj_a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 0 {
		t.Errorf("deliveries after unsubscribe = %d, want 0", delivered)
	}
}

func TestMemoryBus_HandlerMayUnsubscribeItself(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	delivered := 0
	var sub *Subscription
	sub, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(Envelope) {
		delivered++
		sub.Unsubscribe()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := bus.Publish(context.Background(), Envelope{ID: "evt_1", ProjectID: "proj_a"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if delivered != 1 {
		t.Errorf("deliveries = %d, want 1", delivered)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	if _, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(Envelope) {
		t.Error("handler invoked after close")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(context.Background(), Envelope{ID: "evt_1", ProjectID: "proj_a"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(Envelope) {}); err == nil {
		t.Fatal("expected subscribe after close to fail")
	}
}

func TestNopBus(t *testing.T) {
	t.Parallel()

	var bus NopBus
	sub, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(Envelope) {
		t.Error("nop bus must not deliver")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), Envelope{ProjectID: "proj_a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	sub.Unsubscribe()
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNotifier_PublishesCommittedEvent(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	var got []Envelope
	if _, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(env Envelope) {
		got = append(got, env)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewNotifier(bus, nil)
	created := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	n.EventCreated(context.Background(), &db.Event{
		Sequence:  42,
		ID:        "evt_1",
		ProjectID: "proj_a",
		RunID:     "run_1",
		Type:      TypeRunPhaseChanged,
		Class:     ClassDecision,
		Payload:   `{"from":"pending","to":"planning"}`,
		Source:    "operator",
		CreatedAt: created,
	})

	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	env := got[0]
	if env.Sequence != 42 || env.ID != "evt_1" || env.RunID != "run_1" {
		t.Errorf("envelope identity = (%d, %q, %q)", env.Sequence, env.ID, env.RunID)
	}
	if env.Type != TypeRunPhaseChanged || env.Class != ClassDecision {
		t.Errorf("envelope kind = (%q, %q)", env.Type, env.Class)
	}
	if !env.CreatedAt.Equal(created) {
		t.Errorf("created at = %v, want %v", env.CreatedAt, created)
	}
}

func TestNotifier_NilSafe(t *testing.T) {
	t.Parallel()

	var n *Notifier
	n.EventCreated(context.Background(), &db.Event{ID: "evt_1"})
	n.EventsCreated(context.Background(), []*db.Event{{ID: "evt_1"}})

	n = NewNotifier(nil, nil)
	n.EventCreated(context.Background(), &db.Event{ID: "evt_1"})

	n = NewNotifier(NewMemoryBus(), nil)
	n.EventCreated(context.Background(), nil)
}

func TestNotifier_BatchPreservesOrder(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	var got []int64
	if _, err := bus.Subscribe(context.Background(), []string{"proj_a"}, func(env Envelope) {
		got = append(got, env.Sequence)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewNotifier(bus, nil)
	n.EventsCreated(context.Background(), []*db.Event{
		{Sequence: 1, ID: "evt_1", ProjectID: "proj_a"},
		{Sequence: 2, ID: "evt_2", ProjectID: "proj_a"},
		{Sequence: 3, ID: "evt_3", ProjectID: "proj_a"},
	})

	if len(got) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(got))
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("delivery %d sequence = %d, want %d", i, seq, i+1)
		}
	}
}
