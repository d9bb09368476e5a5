package store

import (
	"context"
	"reflect"
	"sort"
	"sync/atomic"
)

type subscription struct {
	ctx       context.Context
	id        int64
	segments  []string
	query     Query
	event     EventType
	handler   Handler
	conn      *Conn
	last      any
	cancelled atomic.Bool
	stop      atomic.Pointer[func() bool]
}

// delivery is one queued handler invocation.
type delivery struct {
	subscription *subscription
	snapshot     Snapshot
}

// registry indexes live subscriptions by canonical path.
type registry struct {
	subscribers map[string]map[int64]*subscription
	nextID      int64
}

func newRegistry() registry {
	return registry{subscribers: make(map[string]map[int64]*subscription)}
}

func (r *registry) nextSequence() int64 {
	r.nextID++
	return r.nextID
}

func (r *registry) register(sub *subscription) {
	path := joinPath(sub.segments)
	if _, ok := r.subscribers[path]; !ok {
		r.subscribers[path] = make(map[int64]*subscription)
	}
	r.subscribers[path][sub.id] = sub
}

func (r *registry) unregister(sub *subscription) {
	path := joinPath(sub.segments)
	subscribers := r.subscribers[path]
	if subscribers == nil {
		return
	}
	delete(subscribers, sub.id)
	if len(subscribers) == 0 {
		delete(r.subscribers, path)
	}
}

// affected returns subscriptions whose location overlaps any of the changed paths.
func (r *registry) affected(changes []change) []*subscription {
	var matched []*subscription
	for _, subscribers := range r.subscribers {
		for _, sub := range subscribers {
			for _, c := range changes {
				if related(sub.segments, c.segments) {
					matched = append(matched, sub)
					break
				}
			}
		}
	}
	sortSubscriptions(matched)
	return matched
}

func sortSubscriptions(subs []*subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].id < subs[j].id
	})
}

// initialDeliveries produces the events a listener receives when it attaches.
func initialDeliveries(sub *subscription, view any) []delivery {
	switch sub.event {
	case EventValue:
		return []delivery{{subscription: sub, snapshot: Snapshot{key: lastSegment(sub.segments), value: view}}}
	case EventChildAdded:
		children := Snapshot{value: view}.Children()
		deliveries := make([]delivery, 0, len(children))
		for _, child := range children {
			deliveries = append(deliveries, delivery{subscription: sub, snapshot: child})
		}
		return deliveries
	default:
		return nil
	}
}

// diffDeliveries compares the previous and current view of a listener's query.
func diffDeliveries(sub *subscription, previous, current any) []delivery {
	if reflect.DeepEqual(previous, current) {
		return nil
	}
	if sub.event == EventValue {
		return []delivery{{subscription: sub, snapshot: Snapshot{key: lastSegment(sub.segments), value: current}}}
	}

	before, _ := previous.(map[string]any)
	after, _ := current.(map[string]any)
	var deliveries []delivery
	switch sub.event {
	case EventChildAdded:
		for _, child := range (Snapshot{value: current}).Children() {
			if _, existed := before[child.key]; !existed {
				deliveries = append(deliveries, delivery{subscription: sub, snapshot: child})
			}
		}
	case EventChildChanged:
		for _, child := range (Snapshot{value: current}).Children() {
			old, existed := before[child.key]
			if existed && !reflect.DeepEqual(old, child.value) {
				deliveries = append(deliveries, delivery{subscription: sub, snapshot: child})
			}
		}
	case EventChildRemoved:
		for _, child := range (Snapshot{value: previous}).Children() {
			if _, stillPresent := after[child.key]; !stillPresent {
				deliveries = append(deliveries, delivery{subscription: sub, snapshot: child})
			}
		}
	}
	return deliveries
}
