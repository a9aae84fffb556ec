package server

import (
	"context"
	"sync"
)

// feed is a broadcast queue: every subscriber sees every event pushed after it joined, each at
// its own pace. Events are dropped once all current subscribers have read them.
type feed[X any] struct {
	cond *sync.Cond

	head   int // total events ever pushed
	events []X // the tail of all events, starting at head-len(events)
	subs   map[int]int
	nextID int
}

func newFeed[X any]() *feed[X] {
	return &feed[X]{
		cond: sync.NewCond(&sync.Mutex{}),
		subs: map[int]int{},
	}
}

// Push appends events and wakes all waiting subscribers.
func (f *feed[X]) Push(all ...X) {
	if len(all) == 0 {
		return
	}

	f.cond.L.Lock()
	defer f.cond.L.Unlock()

	f.head += len(all)
	if len(f.subs) == 0 {
		f.events = nil
		return
	}
	f.events = append(f.events, all...)
	f.cond.Broadcast()
}

// Join subscribes until ctx is done.
func (f *feed[X]) Join(ctx context.Context) *cursor[X] {
	f.cond.L.Lock()
	defer f.cond.L.Unlock()

	id := f.nextID
	f.nextID++
	f.subs[id] = f.head

	context.AfterFunc(ctx, func() {
		f.cond.L.Lock()
		defer f.cond.L.Unlock()

		delete(f.subs, id)
		f.trim()
		f.cond.Broadcast() // wake the departed subscriber if it waits
	})

	return &cursor[X]{f: f, id: id}
}

// Subscribers returns the number of current subscribers.
func (f *feed[X]) Subscribers() int {
	f.cond.L.Lock()
	defer f.cond.L.Unlock()
	return len(f.subs)
}

// trim must be called under lock.
func (f *feed[X]) trim() {
	low := f.head
	for _, at := range f.subs {
		low = min(low, at)
	}
	start := f.head - len(f.events)
	if strip := low - start; strip > 0 {
		f.events = f.events[strip:]
	}
}

type cursor[X any] struct {
	f  *feed[X]
	id int
}

// Batch waits for and returns all events not yet seen by this cursor.
// It returns nil once the cursor's context is done.
func (c *cursor[X]) Batch() []X {
	f := c.f
	f.cond.L.Lock()
	defer f.cond.L.Unlock()

	for {
		at, ok := f.subs[c.id]
		if !ok {
			return nil
		}
		if at == f.head {
			f.cond.Wait()
			continue
		}

		start := f.head - len(f.events)
		out := make([]X, f.head-at)
		copy(out, f.events[at-start:])

		f.subs[c.id] = f.head
		f.trim()
		return out
	}
}
