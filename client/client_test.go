package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/server"
	"github.com/samthor/notek/store"
	"github.com/samthor/notek/transport"
	"github.com/samthor/notek/wire"
)

func serverForTest(t *testing.T, wrap func(http.Handler) http.Handler) (st *store.Store, url string) {
	st, err := store.Open(filepath.Join(t.TempDir(), "notek.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var h http.Handler = server.New(server.Options{
		Store:         st,
		ShutdownDelay: time.Hour,
		Transport:     transport.Options{RateLimit: -1, InboundBuffer: 4096},
	})
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return st, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runForTest(t *testing.T, r *Replica) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- r.Run(t.Context()) }()
	return ch
}

func waitFor(t *testing.T, r *Replica, what string, ok func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !ok() {
		select {
		case <-r.Updates():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitText(t *testing.T, r *Replica, want string) {
	t.Helper()
	waitFor(t, r, want, func() bool { return r.Text() == want })
}

func TestReplicasConverge(t *testing.T) {
	_, url := serverForTest(t, nil)
	id := uuid.New()
	opts := Options{RetryDelay: 10 * time.Millisecond}

	a := NewReplica(url, id, opts)
	b := NewReplica(url, id, opts)
	doneA := runForTest(t, a)
	doneB := runForTest(t, b)

	if err := a.InsertString(0, "hello"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	waitText(t, b, "hello")

	b.InsertString(5, " world")
	a.DeleteAt(0)
	a.InsertAt(0, 'H')
	waitText(t, a, "Hello world")
	waitText(t, b, "Hello world")

	a.Rename("greeting")
	waitFor(t, b, "rename", func() bool { return b.Name() == "greeting" })

	if a.Site() == b.Site() {
		t.Errorf("replicas share site %d", a.Site())
	}

	a.Finish()
	b.Finish()
	for _, done := range []<-chan error{doneA, doneB} {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("run did not finish")
		}
	}
}

func TestOfflineEditsSurviveRetries(t *testing.T) {
	var rejected atomic.Int32
	_, url := serverForTest(t, func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rejected.Add(1) <= 2 {
				http.Error(w, "not yet", http.StatusServiceUnavailable)
				return
			}
			h.ServeHTTP(w, r)
		})
	})
	id := uuid.New()

	r := NewReplica(url, id, Options{RetryDelay: 10 * time.Millisecond})
	r.InsertString(0, "abc")
	r.DeleteAt(1)
	r.Rename("offline")
	if r.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", r.Pending())
	}
	r.Finish()

	select {
	case err := <-runForTest(t, r):
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
	if r.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", r.Pending())
	}
	if rejected.Load() < 3 {
		t.Errorf("expected retries, got %d attempts", rejected.Load())
	}

	// the last frames may still be in flight
	sc, err := DialSync(t.Context(), url, transport.Options{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer sc.Close()

	var got Fetched
	for range 100 {
		if got, err = sc.Fetch(t.Context(), id); err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		if got.Name == "offline" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.Doc.String() != "ac" || got.Name != "offline" {
		t.Errorf("server has %q %q", got.Name, got.Doc)
	}
}

func TestFrontInsertsDrain(t *testing.T) {
	_, url := serverForTest(t, nil)

	r := NewReplica(url, uuid.New(), Options{RetryDelay: 10 * time.Millisecond})
	for i := range 3000 {
		if err := r.InsertAt(0, 'x'); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	r.Finish()

	select {
	case err := <-runForTest(t, r):
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not finish, %d pending", r.Pending())
	}
	if r.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", r.Pending())
	}
}

func TestRunCancel(t *testing.T) {
	_, url := serverForTest(t, func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		})
	})

	r := NewReplica(url, uuid.New(), Options{RetryDelay: 10 * time.Millisecond})
	r.InsertAt(0, 'x')

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err == nil {
		t.Errorf("expected error once cancelled")
	}
	if r.Pending() != 1 {
		t.Errorf("edit should stay queued, got %d pending", r.Pending())
	}
}

func TestRebase(t *testing.T) {
	r := NewReplica("ws://unused", uuid.New(), Options{})
	r.InsertString(0, "xy")

	r.rebase(wire.Welcome{Site: 7, Atoms: doc.FromString("ab").Atoms()})

	text := r.Text()
	if len(text) != 4 || !strings.Contains(text, "a") || strings.Index(text, "x") > strings.Index(text, "y") {
		t.Errorf("bad rebase %q", text)
	}
	if r.Site() != 7 {
		t.Errorf("site not adopted, got %d", r.Site())
	}
	if r.Pending() != 2 {
		t.Errorf("rebase should not drop pending edits, got %d", r.Pending())
	}

	r.InsertAt(0, 'z')
	snap := r.Snapshot()
	p, _ := snap.DeleteAt(0)
	if p[len(p)-1].Site != 7 {
		t.Errorf("new edits should use the assigned site, got %v", p)
	}
}

func TestSyncClient(t *testing.T) {
	st, url := serverForTest(t, nil)

	old := uuid.New()
	st.Put(store.Record{
		Info: store.Info{ID: old, Name: "old", LastModified: time.UnixMilli(5000)},
		Doc:  doc.FromString("stored"),
	})

	sc, err := DialSync(t.Context(), url, transport.Options{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer sc.Close()

	list, err := sc.List(t.Context(), time.Time{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != old || !list[0].LastModified.Equal(time.UnixMilli(5000)) {
		t.Errorf("bad list %+v", list)
	}

	if list, _ = sc.List(t.Context(), time.UnixMilli(5000)); len(list) != 0 {
		t.Errorf("nothing is newer, got %+v", list)
	}

	got, err := sc.Fetch(t.Context(), old)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got.Name != "old" || got.Doc.String() != "stored" {
		t.Errorf("bad fetch %q %q", got.Name, got.Doc)
	}

	list, err = sc.Delete(t.Context(), old)
	if err != nil || len(list) != 0 {
		t.Errorf("bad delete %+v %v", list, err)
	}

	got, err = sc.Fetch(t.Context(), old)
	if err != nil || got.Doc.Len() != 0 {
		t.Errorf("deleted doc should be empty, got %q %v", got.Doc, err)
	}
}
