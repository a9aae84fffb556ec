// Package client edits documents hosted by a notek server.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/outbox"
	"github.com/samthor/notek/transport"
	"github.com/samthor/notek/wire"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRetryDelay = time.Second
)

var (
	ErrUnexpected = errors.New("client: unexpected message")
)

type Options struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// RetryDelay is the fixed delay between connection attempts. Defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// Transport configures the socket.
	Transport transport.Options
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
}

// Replica is a local copy of one document, kept in sync with the server while Run is active.
// Edits may be made at any time and are sent once connected.
// It is safe for concurrent use.
type Replica struct {
	url    string
	id     uuid.UUID
	opts   Options
	log    *zap.Logger
	outbox *outbox.Outbox

	lock     sync.Mutex
	doc      *doc.Document
	site     uint8
	name     string
	lastSync time.Time
	updates  chan struct{}
}

// NewReplica prepares a replica of the document id served at url, a ws:// or wss:// address.
func NewReplica(url string, id uuid.UUID, opts Options) *Replica {
	opts.setDefaults()
	return &Replica{
		url:    url,
		id:     id,
		opts:   opts,
		log:    opts.Logger.Named("replica").With(zap.Stringer("doc", id)),
		outbox: outbox.New(),
		doc:    doc.Empty(),
		// provisional until the server assigns one
		site:    uint8(rand.IntN(255) + 1),
		updates: make(chan struct{}, 1),
	}
}

func (r *Replica) ID() uuid.UUID {
	return r.id
}

// notify must be called under lock.
func (r *Replica) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// Updates returns a channel that receives after the document changed due to the server.
func (r *Replica) Updates() <-chan struct{} {
	return r.updates
}

// InsertAt inserts ch before the visible character at index.
func (r *Replica) InsertAt(index int, ch rune) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	p, err := r.doc.InsertAt(index, ch, r.site)
	if err != nil {
		return err
	}
	r.outbox.EnqueueInsert(p, ch)
	return nil
}

// InsertString inserts s so that its first character ends up at index.
func (r *Replica) InsertString(index int, s string) error {
	for _, ch := range s {
		if err := r.InsertAt(index, ch); err != nil {
			return err
		}
		index++
	}
	return nil
}

// DeleteAt removes the visible character at index.
func (r *Replica) DeleteAt(index int) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	p, err := r.doc.DeleteAt(index)
	if err != nil {
		return err
	}
	r.outbox.EnqueueDelete(p)
	return nil
}

// Rename sets the document's title. Line terminators end the title.
func (r *Replica) Rename(name string) {
	name = wire.CleanLine(name)

	r.lock.Lock()
	defer r.lock.Unlock()

	r.name = name
	r.outbox.SetTitle(name)
}

func (r *Replica) Name() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.name
}

// Text returns the visible document.
func (r *Replica) Text() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.doc.String()
}

func (r *Replica) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.doc.Len()
}

// Snapshot returns a copy of the document.
func (r *Replica) Snapshot() *doc.Document {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.doc.Clone()
}

// Site returns the site new characters are tagged with.
func (r *Replica) Site() uint8 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.site
}

// Pending returns the number of local edits not yet sent.
func (r *Replica) Pending() int {
	return r.outbox.Len()
}

// Finish asks Run to return once every local edit has been sent.
func (r *Replica) Finish() {
	r.outbox.Finish()
}

// Run keeps the replica connected until ctx is done, or until Finish was called and every edit
// has been sent, when it returns nil. Failed connections are retried forever.
func (r *Replica) Run(ctx context.Context) error {
	var attempt int
	return retry.Constant(ctx, r.opts.RetryDelay, func(ctx context.Context) error {
		attempt++
		err := r.session(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		r.log.Warn("session failed", zap.Int("attempt", attempt), zap.Error(err))
		return retry.RetryableError(err)
	})
}

func (r *Replica) session(ctx context.Context) (err error) {
	tr, err := transport.Dial(ctx, r.url, r.opts.Transport)
	if err != nil {
		return err
	}
	defer func() { tr.Close(err) }()

	r.lock.Lock()
	start := wire.Start{LastSync: syncTime(r.lastSync), Document: r.id}
	r.lock.Unlock()

	if err := transport.SendMessage(tr, start); err != nil {
		return err
	}

	b, err := tr.Read()
	if err != nil {
		return err
	}
	m, err := wire.DecodeSession(b)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrProtocol, err)
	}
	welcome, ok := m.(wire.Welcome)
	if !ok {
		return fmt.Errorf("%w: %w: expected welcome, got 0x%02x", transport.ErrProtocol, ErrUnexpected, m.Tag())
	}
	r.rebase(welcome)
	r.log.Info("connected", zap.Uint8("site", welcome.Site), zap.Int("pending", r.outbox.Len()))

	eg, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		if errors.Is(cause, outbox.ErrFinished) {
			cause = nil
		}
		tr.Close(cause)
	})
	defer stop()

	eg.Go(func() error {
		return r.outbox.Drain(ctx, &sender{tr: tr, r: r})
	})
	eg.Go(func() error {
		return r.receive(tr)
	})

	err = eg.Wait()
	if errors.Is(err, outbox.ErrFinished) {
		r.log.Info("finished")
		return nil
	}
	return err
}

// rebase replaces the document with the server's copy plus every edit not yet sent.
func (r *Replica) rebase(w wire.Welcome) {
	d := doc.FromAtoms(w.Atoms)

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, item := range r.outbox.Snapshot() {
		if item.Insert {
			d.Insert(item.Pid, item.Char)
		} else {
			d.Delete(item.Pid)
		}
	}
	r.doc = d
	r.site = w.Site
	r.lastSync = time.Now()
	r.notify()
}

func (r *Replica) receive(tr transport.Transport) error {
	for {
		b, err := tr.Read()
		if err != nil {
			return err
		}
		m, err := wire.DecodeSession(b)
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrProtocol, err)
		}

		r.lock.Lock()
		switch m := m.(type) {
		case wire.Insert:
			r.doc.Insert(m.Atom.Pid, m.Atom.Char)
		case wire.Delete:
			r.doc.Delete(m.Pid)
		case wire.Rename:
			r.name = m.Name
		default:
			r.lock.Unlock()
			return fmt.Errorf("%w: %w: 0x%02x", transport.ErrProtocol, ErrUnexpected, m.Tag())
		}
		r.notify()
		r.lock.Unlock()
	}
}

// sender writes drained edits to a session.
type sender struct {
	tr transport.Transport
	r  *Replica
}

func (s *sender) SendItem(ctx context.Context, item outbox.Item) error {
	site := s.r.Site()

	var m wire.Session
	if item.Insert {
		m = wire.Insert{Site: site, Atom: wire.Atom{Pid: item.Pid, Char: item.Char}}
	} else {
		m = wire.Delete{Site: site, Pid: item.Pid}
	}
	return transport.SendMessage(s.tr, m)
}

func (s *sender) SendTitle(ctx context.Context, name string) error {
	return transport.SendMessage(s.tr, wire.Rename{Name: name})
}
