package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/transport"
	"github.com/samthor/notek/wire"
)

// Listing is a document known to the server.
type Listing struct {
	ID           uuid.UUID
	LastModified time.Time
}

// Fetched is a document's full contents as held by the server.
type Fetched struct {
	ID   uuid.UUID
	Name string
	Doc  *doc.Document
}

// SyncClient asks a server about its catalog. Requests are answered in order, one at a time.
type SyncClient struct {
	lock sync.Mutex
	tr   transport.Transport
}

func DialSync(ctx context.Context, url string, opts transport.Options) (*SyncClient, error) {
	tr, err := transport.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return &SyncClient{tr: tr}, nil
}

func (c *SyncClient) Close() error {
	c.tr.Close(nil)
	return nil
}

// List returns every document modified after since, most recent first.
// A zero since lists everything.
func (c *SyncClient) List(ctx context.Context, since time.Time) ([]Listing, error) {
	resp, err := c.roundTrip(ctx, wire.ListRequest{LastSync: syncTime(since)})
	if err != nil {
		return nil, err
	}
	return listings(resp)
}

// Fetch returns the contents of a document. An unknown document is empty.
func (c *SyncClient) Fetch(ctx context.Context, id uuid.UUID) (Fetched, error) {
	resp, err := c.roundTrip(ctx, wire.DocRequest{Document: id})
	if err != nil {
		return Fetched{}, err
	}

	m, ok := resp.(wire.DocResponse)
	if !ok || m.Document != id {
		return Fetched{}, fmt.Errorf("%w: expected document %v", ErrUnexpected, id)
	}
	return Fetched{ID: id, Name: m.Name, Doc: doc.FromOps(m.Inserts, m.Deletes)}, nil
}

// Delete removes a document from the server and returns what remains.
func (c *SyncClient) Delete(ctx context.Context, id uuid.UUID) ([]Listing, error) {
	resp, err := c.roundTrip(ctx, wire.DeleteRequest{Document: id})
	if err != nil {
		return nil, err
	}
	return listings(resp)
}

// roundTrip sends req and waits for its response. If ctx is done first, the client is closed.
func (c *SyncClient) roundTrip(ctx context.Context, req wire.SyncRequest) (wire.SyncResponse, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	stop := context.AfterFunc(ctx, func() { c.tr.Close(context.Cause(ctx)) })
	defer stop()

	if err := transport.SendMessage(c.tr, req); err != nil {
		return nil, err
	}
	b, err := c.tr.Read()
	if err != nil {
		return nil, err
	}
	resp, err := wire.DecodeSyncResponse(b)
	if err != nil {
		err = fmt.Errorf("%w: %w", transport.ErrProtocol, err)
		c.tr.Close(err)
		return nil, err
	}
	return resp, nil
}

func listings(resp wire.SyncResponse) ([]Listing, error) {
	m, ok := resp.(wire.ListResponse)
	if !ok {
		return nil, fmt.Errorf("%w: expected list", ErrUnexpected)
	}

	out := make([]Listing, 0, len(m.Docs))
	for _, e := range m.Docs {
		out = append(out, Listing{ID: e.Document, LastModified: time.UnixMilli(int64(e.LastModified))})
	}
	return out, nil
}

func syncTime(t time.Time) uint64 {
	if t.IsZero() || t.UnixMilli() < 0 {
		return 0
	}
	return uint64(t.UnixMilli())
}
