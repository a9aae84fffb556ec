// Package server hosts documents for live editing and answers catalog sync requests.
//
// A connection carries both kinds of traffic, told apart by the frame's tag byte. A session
// starts with Start, which joins the document's room: the server assigns the connection a site,
// replies with a Welcome holding the whole document, and from then on relays every edit made in
// the room to every other member.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/store"
	"github.com/samthor/notek/transport"
	"go.uber.org/zap"
)

const (
	// DefaultShutdownDelay is how long a room stays open after its last member leaves.
	DefaultShutdownDelay = 30 * time.Second
)

var (
	ErrClosed = errors.New("server: closed")
)

type Options struct {
	// Store persists documents between rooms. Required.
	Store *store.Store

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Registerer receives the server's metrics. Defaults to a private registry.
	Registerer prometheus.Registerer

	// ShutdownDelay controls how long to keep a room open after all members disappear.
	// Defaults to DefaultShutdownDelay if zero, negative retires rooms at once.
	ShutdownDelay time.Duration

	// Transport configures client sockets.
	Transport transport.Options
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	if o.ShutdownDelay == 0 {
		o.ShutdownDelay = DefaultShutdownDelay
	} else if o.ShutdownDelay < 0 {
		o.ShutdownDelay = 0
	}
}

type Server struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics
	rooms   *registry
	handler http.Handler
}

func New(opts Options) *Server {
	opts.setDefaults()

	s := &Server{
		opts:    opts,
		log:     opts.Logger.Named("server"),
		metrics: newMetrics(opts.Registerer),
	}
	s.rooms = newRegistry(roomConfig{
		Load:          s.loadRoom,
		Flush:         s.flushRoom,
		ShutdownDelay: opts.ShutdownDelay,
		OnChange:      func(open int) { s.metrics.rooms.Set(float64(open)) },
	})
	s.handler = transport.NewHandler(opts.Transport, s.serve)
	return s
}

// ServeHTTP upgrades the request to a WebSocket connection and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close flushes every open room to the store. It does not close the store.
func (s *Server) Close() error {
	return s.rooms.Close()
}

func (s *Server) loadRoom(id uuid.UUID) (*room, error) {
	rec, err := s.opts.Store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("creating document", zap.Stringer("doc", id))
		return newRoom(id, doc.Empty(), "", time.Now()), nil
	} else if err != nil {
		return nil, err
	}

	s.log.Debug("loaded document", zap.Stringer("doc", id), zap.Int("len", rec.Doc.Len()))
	return newRoom(id, rec.Doc, rec.Name, rec.LastModified), nil
}

func (s *Server) flushRoom(r *room) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.deleted || !(r.dirty || r.renamed) {
		return nil
	}

	var err error
	if !r.dirty {
		// only the title changed
		err = s.opts.Store.Rename(r.id, r.name, r.modified)
	}
	if r.dirty || errors.Is(err, store.ErrNotFound) {
		err = s.opts.Store.Put(store.Record{
			Info: store.Info{ID: r.id, Name: r.name, LastModified: r.modified},
			Doc:  r.doc,
		})
	}
	if err != nil {
		s.log.Error("flush failed", zap.Stringer("doc", r.id), zap.Error(err))
		return err
	}
	r.dirty = false
	r.renamed = false
	s.log.Debug("flushed document", zap.Stringer("doc", r.id))
	return nil
}
