package listener

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	lock   sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() (states []State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, ev := range r.events {
		states = append(states, ev.State)
	}
	return states
}

func TestNotifyFiltersByOperation(t *testing.T) {
	var reg Registry
	uploads := &recorder{}
	deletes := &recorder{}
	reg.Subscribe(Upload, uploads)
	reg.Subscribe(Delete, deletes)

	reg.Notify(Event{Subject: "a", Operation: Upload, State: InProgress, Progress: 0.5})

	assert.Len(t, uploads.events, 1)
	assert.Empty(t, deletes.events)
	assert.Equal(t, "a", uploads.events[0].Subject)
	assert.Equal(t, 0.5, uploads.events[0].Progress)
}

func TestTerminalStateDropsSubscriber(t *testing.T) {
	for _, terminal := range []State{Completed, Failed, Cancelled} {
		var reg Registry
		rec := &recorder{}
		other := &recorder{}
		reg.Subscribe(Download, rec)
		reg.Subscribe(Create, other)

		reg.Notify(Event{Operation: Download, State: InProgress})
		reg.Notify(Event{Operation: Download, State: terminal, Progress: 1})
		reg.Notify(Event{Operation: Download, State: InProgress})

		assert.Equal(t, []State{InProgress, terminal}, rec.states())
		assert.Equal(t, 1, reg.Len(), "only the CREATE watcher should remain")
	}
}

func TestNotifyEmptyRegistry(t *testing.T) {
	var reg Registry
	assert.NotPanics(t, func() {
		reg.Notify(Event{Operation: Add, State: Completed})
	})
	assert.Equal(t, 0, reg.Len())
}

func TestDeliveryOrder(t *testing.T) {
	var reg Registry
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		reg.Subscribe(Copy, ListenerFunc(func(Event) { order = append(order, i) }))
	}
	reg.Notify(Event{Operation: Copy, State: InProgress})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestUnsubscribeAndWatching(t *testing.T) {
	var reg Registry
	h := reg.Subscribe(Move, &recorder{})
	op, ok := reg.Watching(h)
	assert.True(t, ok)
	assert.Equal(t, Move, op)

	reg.Unsubscribe(h)
	reg.Unsubscribe(h)
	_, ok = reg.Watching(h)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestResubscribeFromCallback(t *testing.T) {
	var reg Registry
	rec := &recorder{}
	reg.Subscribe(Rename, ListenerFunc(func(ev Event) {
		reg.Subscribe(Rename, rec)
	}))

	reg.Notify(Event{Operation: Rename, State: Completed})
	assert.Equal(t, 1, reg.Len(), "the subscriber added during delivery survives")

	reg.Notify(Event{Operation: Rename, State: Completed})
	assert.Equal(t, []State{Completed}, rec.states())
}

func TestProgressClamped(t *testing.T) {
	var reg Registry
	rec := &recorder{}
	reg.Subscribe(Upload, rec)
	reg.Notify(Event{Operation: Upload, State: InProgress, Progress: 7})
	reg.Notify(Event{Operation: Upload, State: InProgress, Progress: -1})
	assert.Equal(t, 1.0, rec.events[0].Progress)
	assert.Equal(t, 0.0, rec.events[1].Progress)
}

func TestConcurrentNotify(t *testing.T) {
	var reg Registry
	rec := &recorder{}
	reg.Subscribe(Add, rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Notify(Event{Operation: Add, State: InProgress})
		}()
	}
	wg.Wait()
	assert.Len(t, rec.states(), 50)
}
