package events

import (
	"testing"
)

func TestRouterBuffersUntilSubscribed(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := Event{ID: "evt-1", Type: TypeDecision, WorkerID: "alpha"}
	second := Event{ID: "evt-2", Type: TypeDecision, WorkerID: "bravo"}
	router.Route(first)
	router.Route(second)
	sub := router.Subscribe(string(TypeDecision))
	defer sub.Close()
	if got := <-sub.Events; got.ID != first.ID {
		t.Fatalf("expected first buffered event, got %s", got.ID)
	}
	if got := <-sub.Events; got.ID != second.ID {
		t.Fatalf("expected second buffered event, got %s", got.ID)
	}
}

func TestRouterDedupesByEventID(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe(string(TypeDecision))
	defer sub.Close()
	event := Event{ID: "evt-1", Type: TypeDecision}
	router.Route(event)
	router.Route(event)
	select {
	case got := <-sub.Events:
		if got.ID != event.ID {
			t.Fatalf("unexpected event: %s", got.ID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterBroadcastsToTopicAll(t *testing.T) {
	router := NewRouter()
	broad := router.Subscribe(TopicAll)
	defer broad.Close()
	typed := router.Subscribe(string(TypeStaleWorker))
	defer typed.Close()

	router.Route(Event{ID: "evt-1", Type: TypeStaleWorker, WorkerID: "alpha"})
	if got := <-broad.Events; got.ID != "evt-1" {
		t.Fatalf("broad subscriber missed the event: %s", got.ID)
	}
	if got := <-typed.Events; got.ID != "evt-1" {
		t.Fatalf("typed subscriber missed the event: %s", got.ID)
	}
}

func TestRouterKeepsCriticalEventsOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe(TopicAll)
	defer sub.Close()
	router.Route(Event{ID: "evt-1", Type: TypeDecision})
	router.Route(Event{ID: "evt-2", Type: TypeCorruption})
	if got := <-sub.Events; got.ID != "evt-2" {
		t.Fatalf("expected critical event to displace routine one, got %s", got.ID)
	}
}

func TestRouterDropsIncomingWhenOldestCritical(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe(TopicAll)
	defer sub.Close()
	router.Route(Event{ID: "evt-1", Type: TypeOverride})
	router.Route(Event{ID: "evt-2", Type: TypeDecision})
	if got := <-sub.Events; got.ID != "evt-1" {
		t.Fatalf("expected critical event to survive, got %s", got.ID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe(string(TypeDecision))
	sub.Close()
	// Delivery to a closed subscription must not panic; the event is buffered
	// for the next subscriber instead.
	router.Route(Event{ID: "evt-1", Type: TypeDecision})
	next := router.Subscribe(string(TypeDecision))
	defer next.Close()
	if got := <-next.Events; got.ID != "evt-1" {
		t.Fatalf("expected event buffered after close, got %s", got.ID)
	}
}
