package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/wire"
)

// event is a frame to fan out to a room, tagged with the site it came from.
type event struct {
	from  uint8
	frame []byte
}

// room is a document open for live editing.
type room struct {
	id   uuid.UUID
	feed *feed[event]

	lock     sync.Mutex
	doc      *doc.Document
	name     string
	modified time.Time
	dirty    bool
	renamed  bool
	deleted  bool
	sites    *siteAllocator

	// guarded by the registry lock
	members int
	expiry  *time.Timer
}

func newRoom(id uuid.UUID, d *doc.Document, name string, modified time.Time) *room {
	return &room{
		id:       id,
		feed:     newFeed[event](),
		doc:      d,
		name:     name,
		modified: modified,
		sites:    newSiteAllocator(),
	}
}

// apply runs fn on the document under lock, then broadcasts frame from site.
func (r *room) apply(site uint8, frame []byte, fn func(d *doc.Document)) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if fn != nil {
		fn(r.doc)
	}
	r.modified = time.Now()
	r.dirty = true
	r.feed.Push(event{from: site, frame: frame})
}

func (r *room) rename(site uint8, name string, frame []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.name = name
	r.modified = time.Now()
	r.renamed = true
	r.feed.Push(event{from: site, frame: frame})
}

// docResponse describes the live document for catalog sync.
func (r *room) docResponse() wire.DocResponse {
	r.lock.Lock()
	defer r.lock.Unlock()
	return wire.DocResponse{Document: r.id, Name: r.name, Inserts: r.doc.Inserts()}
}

func (r *room) info() (name string, modified time.Time, deleted bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.name, r.modified, r.deleted
}

// roomConfig controls how a registry loads and retires rooms.
type roomConfig struct {
	// Load builds the room for a document that isn't open.
	Load func(id uuid.UUID) (*room, error)

	// Flush persists a room that is being retired, or that is open during Close.
	Flush func(r *room) error

	// ShutdownDelay controls how long to keep a room open after its last member leaves.
	ShutdownDelay time.Duration

	// OnChange is told the number of open rooms after it changes.
	OnChange func(open int)
}

// registry holds the open rooms, keyed by document.
type registry struct {
	config roomConfig

	lock   sync.Mutex
	active map[uuid.UUID]*room
	closed bool
}

func newRegistry(config roomConfig) *registry {
	if config.OnChange == nil {
		config.OnChange = func(int) {}
	}
	return &registry{
		config: config,
		active: map[uuid.UUID]*room{},
	}
}

// Join opens the room for id, loading it if needed, and counts the caller as a member until
// it calls Leave.
func (g *registry) Join(id uuid.UUID) (*room, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.closed {
		return nil, ErrClosed
	}

	r := g.active[id]
	if r == nil {
		var err error
		r, err = g.config.Load(id)
		if err != nil {
			return nil, err
		}
		g.active[id] = r
		g.config.OnChange(len(g.active))
	}

	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	r.members++
	return r, nil
}

// Leave drops a member. The room is retired ShutdownDelay after its last member leaves.
func (g *registry) Leave(r *room) {
	g.lock.Lock()
	defer g.lock.Unlock()

	r.members--
	if r.members > 0 || g.active[r.id] != r {
		return
	}

	var expiry *time.Timer
	expiry = time.AfterFunc(g.config.ShutdownDelay, func() {
		g.lock.Lock()
		defer g.lock.Unlock()

		// a member may have joined, or a later Leave scheduled its own timer
		if r.members > 0 || r.expiry != expiry || g.active[r.id] != r {
			return
		}
		g.retire(r)
	})
	r.expiry = expiry
}

// Get returns the open room for id, if any, without joining it.
func (g *registry) Get(id uuid.UUID) *room {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.active[id]
}

// Each calls fn for every open room.
func (g *registry) Each(fn func(r *room)) {
	g.lock.Lock()
	rooms := make([]*room, 0, len(g.active))
	for _, r := range g.active {
		rooms = append(rooms, r)
	}
	g.lock.Unlock()

	for _, r := range rooms {
		fn(r)
	}
}

// Close retires every room. Later joins fail.
func (g *registry) Close() (err error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.closed = true
	for _, r := range g.active {
		if r.expiry != nil {
			r.expiry.Stop()
		}
		if ferr := g.retire(r); err == nil {
			err = ferr
		}
	}
	return err
}

// retire must be called under lock. The room is flushed before it is dropped, so a concurrent
// Join can never load a stale copy from the store.
func (g *registry) retire(r *room) error {
	err := g.config.Flush(r)
	delete(g.active, r.id)
	g.config.OnChange(len(g.active))
	return err
}
