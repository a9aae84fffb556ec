package server

import (
	"encoding"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/pid"
	"github.com/samthor/notek/store"
	"github.com/samthor/notek/transport"
	"github.com/samthor/notek/wire"
)

func serverForTest(t *testing.T) (s *Server, st *store.Store, url string) {
	st, err := store.Open(filepath.Join(t.TempDir(), "notek.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s = New(Options{Store: st, ShutdownDelay: time.Hour})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, st, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialForTest(t *testing.T, url string) transport.Transport {
	tr, err := transport.Dial(t.Context(), url, transport.Options{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { tr.Close(nil) })
	return tr
}

func send(t *testing.T, tr transport.Transport, m encoding.BinaryAppender) {
	if err := transport.SendMessage(tr, m); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func readSession(t *testing.T, tr transport.Transport) wire.Session {
	b, err := tr.Read()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	m, err := wire.DecodeSession(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return m
}

func readSync(t *testing.T, tr transport.Transport) wire.SyncResponse {
	b, err := tr.Read()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	m, err := wire.DecodeSyncResponse(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return m
}

func startForTest(t *testing.T, url string, id uuid.UUID) (transport.Transport, wire.Welcome) {
	tr := dialForTest(t, url)
	send(t, tr, wire.Start{Document: id})
	welcome, ok := readSession(t, tr).(wire.Welcome)
	if !ok {
		t.Fatalf("expected welcome")
	}
	return tr, welcome
}

func TestSession(t *testing.T) {
	s, st, url := serverForTest(t)
	id := uuid.New()

	a, wa := startForTest(t, url, id)
	b, wb := startForTest(t, url, id)

	if wa.Site == 0 || wb.Site == 0 || wa.Site == wb.Site {
		t.Fatalf("expected distinct sites, got %d and %d", wa.Site, wb.Site)
	}
	if len(wa.Atoms) != 2 {
		t.Fatalf("new document should hold only sentinels, got %d atoms", len(wa.Atoms))
	}

	da := doc.FromAtoms(wa.Atoms)
	db := doc.FromAtoms(wb.Atoms)

	// a types "hi"
	for i, ch := range "hi" {
		p, err := da.InsertAt(i, ch, wa.Site)
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		send(t, a, wire.Insert{Site: 99, Atom: wire.Atom{Pid: p, Char: ch}})
	}

	for range 2 {
		m, ok := readSession(t, b).(wire.Insert)
		if !ok {
			t.Fatalf("expected insert")
		}
		if m.Site != wa.Site {
			t.Errorf("relayed with site %d, want %d", m.Site, wa.Site)
		}
		db.Insert(m.Atom.Pid, m.Atom.Char)
	}

	// b deletes 'h': this is the first thing a sees, its own inserts are not echoed
	p, err := db.DeleteAt(0)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	send(t, b, wire.Delete{Site: wb.Site, Pid: p})

	del, ok := readSession(t, a).(wire.Delete)
	if !ok || !pid.Equal(del.Pid, p) {
		t.Fatalf("expected delete of %v, got %+v", p, del)
	}
	da.Delete(del.Pid)

	if da.String() != "i" || db.String() != "i" {
		t.Errorf("replicas diverged: %q %q", da, db)
	}

	send(t, a, wire.Rename{Name: "notes"})
	if m, ok := readSession(t, b).(wire.Rename); !ok || m.Name != "notes" {
		t.Errorf("expected rename, got %+v", m)
	}

	// a late joiner sees the current document
	_, wc := startForTest(t, url, id)
	if got := doc.FromAtoms(wc.Atoms).String(); got != "i" {
		t.Errorf("late joiner got %q", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	rec, err := st.Get(id)
	if err != nil {
		t.Fatalf("document was not flushed: %v", err)
	}
	if rec.Name != "notes" || rec.Doc.String() != "i" {
		t.Errorf("flushed %q %q", rec.Name, rec.Doc)
	}
}

func TestSync(t *testing.T) {
	_, st, url := serverForTest(t)

	stored := uuid.New()
	st.Put(store.Record{
		Info: store.Info{ID: stored, Name: "old", LastModified: time.UnixMilli(1000)},
		Doc:  doc.FromString("abc"),
	})

	live := uuid.New()
	a, wa := startForTest(t, url, live)
	p, _ := doc.FromAtoms(wa.Atoms).InsertAt(0, 'x', wa.Site)
	send(t, a, wire.Insert{Site: wa.Site, Atom: wire.Atom{Pid: p, Char: 'x'}})

	// an opened but untouched document is not listed
	startForTest(t, url, uuid.New())

	tr := dialForTest(t, url)

	// a's insert races with this connection
	var list wire.ListResponse
	for range 100 {
		send(t, tr, wire.ListRequest{})
		list = readSync(t, tr).(wire.ListResponse)
		if len(list.Docs) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(list.Docs) != 2 || list.Docs[0].Document != live || list.Docs[1].Document != stored {
		t.Fatalf("bad list: %+v", list)
	}
	if list.Docs[1].LastModified != 1000 {
		t.Errorf("bad modified time %d", list.Docs[1].LastModified)
	}

	send(t, tr, wire.ListRequest{LastSync: 1000})
	if got := readSync(t, tr).(wire.ListResponse); len(got.Docs) != 1 || got.Docs[0].Document != live {
		t.Errorf("since filter failed: %+v", got)
	}

	send(t, tr, wire.DocRequest{Document: stored})
	resp := readSync(t, tr).(wire.DocResponse)
	if resp.Name != "old" || doc.FromOps(resp.Inserts, resp.Deletes).String() != "abc" {
		t.Errorf("bad stored fetch: %+v", resp)
	}

	send(t, tr, wire.DocRequest{Document: live})
	resp = readSync(t, tr).(wire.DocResponse)
	if got := doc.FromOps(resp.Inserts, resp.Deletes).String(); got != "x" {
		t.Errorf("bad live fetch: %q", got)
	}

	unknown := uuid.New()
	send(t, tr, wire.DocRequest{Document: unknown})
	resp = readSync(t, tr).(wire.DocResponse)
	if !reflect.DeepEqual(resp, wire.DocResponse{Document: unknown}) {
		t.Errorf("unknown doc should be empty: %+v", resp)
	}

	send(t, tr, wire.DeleteRequest{Document: stored})
	list = readSync(t, tr).(wire.ListResponse)
	if len(list.Docs) != 1 || list.Docs[0].Document != live {
		t.Errorf("delete should leave only the live doc: %+v", list)
	}
	if _, err := st.Get(stored); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected deleted from store, got %v", err)
	}

	send(t, tr, wire.DeleteRequest{Document: live})
	if list = readSync(t, tr).(wire.ListResponse); len(list.Docs) != 0 {
		t.Errorf("deleted live doc should not be listed: %+v", list)
	}
}

func TestProtocolErrors(t *testing.T) {
	_, _, url := serverForTest(t)

	tests := []struct {
		name   string
		frames []wire.Session
		raw    []byte
	}{
		{name: "before start", frames: []wire.Session{wire.Rename{Name: "x"}}},
		{name: "double start", frames: []wire.Session{wire.Start{}, wire.Start{}}},
		{name: "welcome", frames: []wire.Session{wire.Start{}, wire.Welcome{Site: 1}}},
		{name: "unknown tag", raw: []byte{0x7f}},
		{name: "truncated", raw: []byte{wire.TagDocRequest, 1, 2}},
		{name: "empty", raw: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := dialForTest(t, url)
			for _, m := range tt.frames {
				send(t, tr, m)
			}
			if tt.raw != nil {
				if err := tr.Send(tt.raw); err != nil {
					t.Fatalf("send failed: %v", err)
				}
			}

			var err error
			for err == nil {
				_, err = tr.Read() // skip any welcome
			}
			if code := websocket.CloseStatus(err); code != websocket.StatusProtocolError {
				t.Errorf("expected protocol error close, got %v (%v)", code, err)
			}
		})
	}
}

func TestFlushRename(t *testing.T) {
	s, st, _ := serverForTest(t)

	stored := uuid.New()
	st.Put(store.Record{
		Info: store.Info{ID: stored, Name: "before", LastModified: time.UnixMilli(1000)},
		Doc:  doc.FromString("body"),
	})

	for _, id := range []uuid.UUID{stored, uuid.New()} {
		r, err := s.loadRoom(id)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		r.rename(1, "after", nil)
		if err := s.flushRoom(r); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if r.dirty || r.renamed {
			t.Errorf("room should be clean after flush")
		}

		rec, err := st.Get(id)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if rec.Name != "after" || !rec.LastModified.After(time.UnixMilli(1000)) {
			t.Errorf("bad stored info %+v", rec.Info)
		}
		if id == stored && rec.Doc.String() != "body" {
			t.Errorf("rename should keep the body, got %q", rec.Doc)
		}
	}
}
