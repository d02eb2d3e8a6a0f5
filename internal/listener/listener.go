// Package listener implements the per-entity callback registry used by
// containers and transfer jobs. A subscription watches one operation kind and
// lasts for one logical operation: it is dropped as soon as it has been
// handed a terminal state.
package listener

import (
	"sync"
)

// Operation is the kind of work an event reports on.
type Operation string

// Container-level and job-level operations.
const (
	Create   Operation = "CREATE"
	Delete   Operation = "DELETE"
	Copy     Operation = "COPY"
	Move     Operation = "MOVE"
	Rename   Operation = "RENAME"
	Add      Operation = "ADD"
	Remove   Operation = "REMOVE"
	Refresh  Operation = "REFRESH"
	Upload   Operation = "UPLOAD"
	Download Operation = "DOWNLOAD"
)

// State is the lifecycle position of an operation.
type State int

const (
	Initialised State = iota
	InProgress
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Initialised:
		return "INITIALISED"
	case InProgress:
		return "IN_PROGRESS"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Event is handed to listeners.
type Event struct {
	// Subject is the container or job the event is about.
	Subject   interface{}
	Operation Operation
	State     State
	// Progress is a fraction in [0,1].
	Progress float64
	// Err is set for Failed events.
	Err error
}

// Listener receives events.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}

// Handle identifies one subscription within a Registry.
type Handle uint64

type subscription struct {
	handle    Handle
	listener  Listener
	operation Operation
}

// Registry maps listener handles to the operation each one watches. The zero
// value is ready to use.
type Registry struct {
	lock sync.Mutex
	next Handle
	subs []subscription
}

// Subscribe registers l for events about op and returns its handle.
func (r *Registry) Subscribe(op Operation, l Listener) Handle {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.next++
	r.subs = append(r.subs, subscription{r.next, l, op})
	return r.next
}

// Unsubscribe drops the subscription with handle h. Unknown handles are
// ignored.
func (r *Registry) Unsubscribe(h Handle) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for i, sub := range r.subs {
		if sub.handle == h {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Watching returns the operation watched by h.
func (r *Registry) Watching(h Handle) (Operation, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, sub := range r.subs {
		if sub.handle == h {
			return sub.operation, true
		}
	}
	return "", false
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.subs)
}

// Clear drops every subscription.
func (r *Registry) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.subs = nil
}

// Notify delivers ev to every subscriber watching ev.Operation, in
// subscription order. Callbacks run without the registry lock held, so a
// listener may subscribe or unsubscribe from within its callback. When
// ev.State is terminal, the notified subscribers are removed afterwards.
func (r *Registry) Notify(ev Event) {
	ev.Progress = clamp(ev.Progress)

	r.lock.Lock()
	var targets []subscription
	for _, sub := range r.subs {
		if sub.operation == ev.Operation {
			targets = append(targets, sub)
		}
	}
	r.lock.Unlock()

	for _, sub := range targets {
		sub.listener.OnEvent(ev)
	}

	if !ev.State.Terminal() || len(targets) == 0 {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	delivered := make(map[Handle]struct{}, len(targets))
	for _, sub := range targets {
		delivered[sub.handle] = struct{}{}
	}
	kept := r.subs[:0]
	for _, sub := range r.subs {
		if _, ok := delivered[sub.handle]; !ok {
			kept = append(kept, sub)
		}
	}
	r.subs = kept
}

func clamp(p float64) float64 {
	switch {
	case p < 0 || p != p:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
