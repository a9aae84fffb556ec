// Package outbox holds a replica's own edits until they have been sent.
//
// Edits are keyed by identifier and sent oldest first. An insert deleted before it was ever
// handed to a sender cancels out entirely.
package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/iancoleman/orderedmap"
	"github.com/samthor/notek/pid"
)

var (
	// ErrFinished is returned by Drain once Finish was called and nothing remains to send.
	ErrFinished = errors.New("outbox: finished")
)

// Item is a pending edit. Insert is false for a tombstone.
type Item struct {
	Pid    pid.Pid
	Char   rune
	Insert bool

	version uint64
}

type entry struct {
	item     Item
	inFlight bool
}

// Sender transmits what Drain takes from the outbox.
type Sender interface {
	SendItem(ctx context.Context, item Item) error
	SendTitle(ctx context.Context, name string) error
}

// Outbox is safe for concurrent use.
type Outbox struct {
	lock sync.Mutex

	// pending is keyed by Pid.Key in enqueue order. Removing the head shifts the key slice,
	// so draining n edits costs O(n^2) copying. This is fine for notebook-sized backlogs.
	pending  *orderedmap.OrderedMap
	version  uint64
	title    string
	hasTitle bool
	finished bool

	changed chan struct{}
}

func New() *Outbox {
	return &Outbox{
		pending: orderedmap.New(),
		changed: make(chan struct{}, 1),
	}
}

// Changed returns a channel that receives after any change.
// Changes that happen before anyone receives collapse into one.
func (o *Outbox) Changed() <-chan struct{} {
	return o.changed
}

// notify must be called under lock.
func (o *Outbox) notify() {
	select {
	case o.changed <- struct{}{}:
	default:
	}
}

// get must be called under lock.
func (o *Outbox) get(key string) *entry {
	v, ok := o.pending.Get(key)
	if !ok {
		return nil
	}
	return v.(*entry)
}

// EnqueueInsert records an insert of ch at p.
func (o *Outbox) EnqueueInsert(p pid.Pid, ch rune) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.version++
	key := p.Key()
	if e := o.get(key); e != nil {
		e.item.Char = ch
		e.item.Insert = true
		e.item.version = o.version
	} else {
		o.pending.Set(key, &entry{item: Item{Pid: p, Char: ch, Insert: true, version: o.version}})
	}
	o.notify()
}

// EnqueueDelete records a delete of p.
// A pending insert of p that was never handed out is dropped instead.
func (o *Outbox) EnqueueDelete(p pid.Pid) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.version++
	key := p.Key()
	e := o.get(key)

	switch {
	case e == nil:
		o.pending.Set(key, &entry{item: Item{Pid: p, version: o.version}})
	case e.item.Insert && !e.inFlight:
		o.pending.Delete(key)
	default:
		// the peer may already have seen the insert, so it must hear about the delete
		e.item.Insert = false
		e.item.Char = 0
		e.item.version = o.version
	}
	o.notify()
}

// PeekFirst returns the oldest pending edit without removing it.
// The edit counts as in flight from now on.
func (o *Outbox) PeekFirst() (Item, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	keys := o.pending.Keys()
	if len(keys) == 0 {
		return Item{}, false
	}
	e := o.get(keys[0])
	e.inFlight = true
	return e.item, true
}

// Dequeue removes item after it was sent.
// It does nothing and returns false if the entry changed since it was peeked.
func (o *Outbox) Dequeue(item Item) bool {
	o.lock.Lock()
	defer o.lock.Unlock()

	key := item.Pid.Key()
	e := o.get(key)
	if e == nil || e.item.version != item.version {
		return false
	}
	o.pending.Delete(key)
	return true
}

// Snapshot returns every pending edit, oldest first.
func (o *Outbox) Snapshot() []Item {
	o.lock.Lock()
	defer o.lock.Unlock()

	keys := o.pending.Keys()
	out := make([]Item, 0, len(keys))
	for _, key := range keys {
		out = append(out, o.get(key).item)
	}
	return out
}

// Len returns the number of pending edits.
func (o *Outbox) Len() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.pending.Keys())
}

// SetTitle records a rename. Only the latest unsent title is kept.
func (o *Outbox) SetTitle(name string) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.title = name
	o.hasTitle = true
	o.notify()
}

// TakeTitle removes and returns the pending title.
func (o *Outbox) TakeTitle() (string, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if !o.hasTitle {
		return "", false
	}
	o.hasTitle = false
	return o.title, true
}

// restoreTitle puts back a title whose send failed, unless a newer one arrived meanwhile.
func (o *Outbox) restoreTitle(name string) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if !o.hasTitle {
		o.title = name
		o.hasTitle = true
	}
}

// Finish asks Drain to stop once everything pending has been sent.
func (o *Outbox) Finish() {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.finished = true
	o.notify()
}

func (o *Outbox) Finished() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.finished
}

func (o *Outbox) done() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.finished && !o.hasTitle && len(o.pending.Keys()) == 0
}

// Drain sends pending edits oldest first, then any pending title, until the context is done or
// the outbox is finished and empty, when it returns ErrFinished.
// An edit stays queued if its send fails, and the error is returned.
func (o *Outbox) Drain(ctx context.Context, s Sender) error {
	for {
		if item, ok := o.PeekFirst(); ok {
			if err := s.SendItem(ctx, item); err != nil {
				return err
			}
			o.Dequeue(item)
			continue
		}

		if name, ok := o.TakeTitle(); ok {
			if err := s.SendTitle(ctx, name); err != nil {
				o.restoreTitle(name)
				return err
			}
			continue
		}

		if o.done() {
			return ErrFinished
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-o.changed:
		}
	}
}
