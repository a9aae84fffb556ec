package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/store"
	"github.com/samthor/notek/transport"
	"github.com/samthor/notek/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errNoSession     = errors.New("session frame before start")
	errSessionActive = errors.New("session already started")
	errServerOnly    = errors.New("welcome is sent by the server")
)

// conn is the state of one client connection.
type conn struct {
	s   *Server
	tr  transport.Transport
	log *zap.Logger
	ctx context.Context
	eg  *errgroup.Group

	room *room // nil until Start
	site uint8
}

func (s *Server) serve(tr transport.Transport) error {
	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()

	ctx, cancel := context.WithCancel(tr.Context())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	c := &conn{s: s, tr: tr, log: s.log, ctx: ctx, eg: eg}
	defer c.leave()

	eg.Go(func() error {
		defer cancel() // stops the forwarder once reading ends
		return c.readLoop()
	})

	err := eg.Wait()
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		c.log.Debug("connection ended", zap.Error(err))
		return err
	}
	return nil
}

func (c *conn) readLoop() error {
	for {
		b, err := c.tr.Read()
		if err != nil {
			return err
		}
		if len(b) == 0 {
			c.s.metrics.decodeFailures.Inc()
			return fmt.Errorf("%w: %w", transport.ErrProtocol, wire.ErrTruncated)
		}

		if wire.IsSessionTag(b[0]) {
			err = c.handleSession(b)
		} else {
			err = c.handleSync(b)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) handleSession(b []byte) error {
	m, err := wire.DecodeSession(b)
	if err != nil {
		c.s.metrics.decodeFailures.Inc()
		return fmt.Errorf("%w: %w", transport.ErrProtocol, err)
	}

	if start, ok := m.(wire.Start); ok {
		if c.room != nil {
			return fmt.Errorf("%w: %w", transport.ErrProtocol, errSessionActive)
		}
		return c.start(start)
	} else if c.room == nil {
		return fmt.Errorf("%w: %w", transport.ErrProtocol, errNoSession)
	}

	switch m := m.(type) {
	case wire.Insert:
		c.s.metrics.ops.WithLabelValues("insert").Inc()
		// relay with the sender's assigned site, whatever it claimed
		m.Site = c.site
		frame, err := m.AppendBinary(nil)
		if err != nil {
			return err
		}
		c.room.apply(c.site, frame, func(d *doc.Document) { d.Insert(m.Atom.Pid, m.Atom.Char) })

	case wire.Delete:
		c.s.metrics.ops.WithLabelValues("delete").Inc()
		m.Site = c.site
		frame, err := m.AppendBinary(nil)
		if err != nil {
			return err
		}
		c.room.apply(c.site, frame, func(d *doc.Document) { d.Delete(m.Pid) })

	case wire.Rename:
		c.s.metrics.ops.WithLabelValues("rename").Inc()
		m.Name = wire.CleanLine(m.Name)
		frame, err := m.AppendBinary(nil)
		if err != nil {
			return err
		}
		c.room.rename(c.site, m.Name, frame)

	case wire.Welcome:
		return fmt.Errorf("%w: %w", transport.ErrProtocol, errServerOnly)
	}
	return nil
}

func (c *conn) start(m wire.Start) error {
	c.s.metrics.ops.WithLabelValues("start").Inc()

	r, err := c.s.rooms.Join(m.Document)
	if err != nil {
		return err
	}

	r.lock.Lock()
	site, err := r.sites.Acquire()
	if err != nil {
		r.lock.Unlock()
		c.s.rooms.Leave(r)
		return err
	}
	welcome := wire.Welcome{Site: site, Atoms: r.doc.Atoms()}
	cur := r.feed.Join(c.ctx)
	r.lock.Unlock()

	c.room = r
	c.site = site
	c.log = c.log.With(zap.Stringer("doc", r.id), zap.Uint8("site", site))
	c.log.Info("session started", zap.Int("len", len(welcome.Atoms)-2))

	if err := transport.SendMessage(c.tr, welcome); err != nil {
		return err
	}

	c.eg.Go(func() error {
		for {
			events := cur.Batch()
			if events == nil {
				return nil
			}
			for _, ev := range events {
				if ev.from == c.site {
					continue
				}
				if err := c.tr.Send(ev.frame); err != nil {
					return err
				}
			}
		}
	})
	return nil
}

// leave releases the connection's site and room membership.
func (c *conn) leave() {
	if c.room == nil {
		return
	}

	c.room.lock.Lock()
	c.room.sites.Release(c.site)
	c.room.lock.Unlock()

	c.s.rooms.Leave(c.room)
	c.log.Info("session ended")
}

func (c *conn) handleSync(b []byte) error {
	m, err := wire.DecodeSyncRequest(b)
	if err != nil {
		c.s.metrics.decodeFailures.Inc()
		return fmt.Errorf("%w: %w", transport.ErrProtocol, err)
	}

	var resp wire.SyncResponse
	switch m := m.(type) {
	case wire.ListRequest:
		c.s.metrics.ops.WithLabelValues("list").Inc()
		resp, err = c.s.list(m.LastSync)

	case wire.DocRequest:
		c.s.metrics.ops.WithLabelValues("fetch").Inc()
		resp, err = c.s.fetch(m.Document)

	case wire.DeleteRequest:
		c.s.metrics.ops.WithLabelValues("remove").Inc()
		if err = c.s.remove(m.Document); err == nil {
			resp, err = c.s.list(m.LastSync)
		}
	}
	if err != nil {
		return err
	}
	return transport.SendMessage(c.tr, resp)
}

// list describes every document modified after since (in Unix milliseconds), most recent first.
func (s *Server) list(since uint64) (wire.ListResponse, error) {
	infos, err := s.opts.Store.List()
	if err != nil {
		return wire.ListResponse{}, err
	}

	modified := make(map[uuid.UUID]uint64, len(infos))
	for _, info := range infos {
		modified[info.ID] = uint64(info.LastModified.UnixMilli())
	}

	// open rooms are newer than the store
	s.rooms.Each(func(r *room) {
		r.lock.Lock()
		defer r.lock.Unlock()

		switch {
		case r.deleted:
			delete(modified, r.id)
		case r.dirty || r.renamed:
			modified[r.id] = uint64(r.modified.UnixMilli())
		}
	})

	var out wire.ListResponse
	for id, at := range modified {
		if at > since {
			out.Docs = append(out.Docs, wire.ListEntry{LastModified: at, Document: id})
		}
	}
	slices.SortFunc(out.Docs, func(a, b wire.ListEntry) int {
		if c := cmp.Compare(b.LastModified, a.LastModified); c != 0 {
			return c
		}
		return slices.Compare(a.Document[:], b.Document[:])
	})
	return out, nil
}

// fetch returns the document's contents. An unknown document is empty.
func (s *Server) fetch(id uuid.UUID) (wire.DocResponse, error) {
	if r := s.rooms.Get(id); r != nil {
		if _, _, deleted := r.info(); !deleted {
			return r.docResponse(), nil
		}
	}

	rec, err := s.opts.Store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return wire.DocResponse{Document: id}, nil
	} else if err != nil {
		return wire.DocResponse{}, err
	}
	return wire.DocResponse{Document: id, Name: rec.Name, Inserts: rec.Doc.Inserts()}, nil
}

// remove forgets a document. An open room keeps serving its members but is never flushed.
func (s *Server) remove(id uuid.UUID) error {
	if r := s.rooms.Get(id); r != nil {
		r.lock.Lock()
		r.deleted = true
		r.lock.Unlock()
	}

	err := s.opts.Store.Delete(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err == nil {
		s.log.Info("deleted document", zap.Stringer("doc", id))
	}
	return err
}
