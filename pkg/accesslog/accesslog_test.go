package accesslog

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jnovack/gemini-gateway/pkg/cache"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

type memStore struct {
	mu      sync.Mutex
	data    map[string]*cache.Entry
	writes  int
	failing bool
}

func newMemStore() *memStore { return &memStore{data: map[string]*cache.Entry{}} }

func (m *memStore) Get(_ context.Context, key string) (*cache.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return e, ok
}

func (m *memStore) PutEntry(_ context.Context, key string, meta cache.Meta, data []byte, _ cache.TTL) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return false
	}
	m.writes++
	m.data[key] = &cache.Entry{Meta: meta, Data: append([]byte(nil), data...)}
	return true
}

func rec(u string) Record {
	return Record{
		Time:        time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC),
		URL:         u,
		ClientIP:    "127.0.0.1",
		Status:      20,
		ContentType: "text/gemini",
	}
}

func TestGemline(t *testing.T) {
	r := rec("gemini://localhost/example.com/")
	want := "=> gemini://localhost/example.com/  [09/Mar/2024 14:05:06] gemini://localhost/example.com/(127.0.0.1, status: 20, ctype: text/gemini)"
	if got := r.Gemline(); got != want {
		t.Fatalf("unexpected gemline:\n got %q\nwant %q", got, want)
	}
	r.Title = "Example"
	if got := r.Gemline(); !strings.Contains(got, "] Example(127.0.0.1") {
		t.Fatalf("title not used as label: %q", got)
	}
}

func TestAppendBounded(t *testing.T) {
	l := New(2, nil)
	l.Append(rec("a"))
	l.Append(rec("b"))
	l.Append(rec("c"))

	got := l.Lines()
	if len(got) != 2 {
		t.Fatalf("expected 2 lines after overflow, got %d", len(got))
	}
	if !strings.HasPrefix(got[0], "=> b ") || !strings.HasPrefix(got[1], "=> c ") {
		t.Fatalf("unexpected order: %q", got)
	}
	if l.Pending() != 3 {
		t.Fatalf("expected 3 pending, got %d", l.Pending())
	}
}

func TestDocumentNewestFirst(t *testing.T) {
	l := New(10, nil)
	l.Append(rec("a"))
	l.Append(rec("b"))
	doc := l.Document()
	if !strings.HasPrefix(doc, "# Access log\n\n=> b ") {
		t.Fatalf("unexpected document: %q", doc)
	}
	if strings.Index(doc, "=> a ") < strings.Index(doc, "=> b ") {
		t.Fatalf("older line rendered first: %q", doc)
	}
}

func TestFlushOnlyWhenPending(t *testing.T) {
	st := newMemStore()
	l := New(10, st)
	ctx := context.Background()

	if l.Flush(ctx) {
		t.Fatalf("flush with nothing pending should not write")
	}
	l.Append(rec("a"))
	if !l.Flush(ctx) {
		t.Fatalf("expected flush to write")
	}
	if l.Pending() != 0 {
		t.Fatalf("pending not reset: %d", l.Pending())
	}
	if l.Flush(ctx) {
		t.Fatalf("second flush should be a no-op")
	}
	if st.writes != 1 {
		t.Fatalf("expected 1 write, got %d", st.writes)
	}
	e, ok := st.Get(ctx, Key)
	if !ok || e.Tag != Tag {
		t.Fatalf("persisted entry missing or untagged: %+v", e)
	}
}

func TestFlushFailureKeepsPending(t *testing.T) {
	st := newMemStore()
	st.failing = true
	l := New(10, st)
	l.Append(rec("a"))
	l.Append(rec("b"))
	if l.Flush(context.Background()) {
		t.Fatalf("flush should report failure")
	}
	if l.Pending() != 2 {
		t.Fatalf("expected pending to be restored, got %d", l.Pending())
	}
}

func TestLoadRestores(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()

	first := New(10, st)
	first.Append(rec("a"))
	first.Append(rec("b"))
	first.Flush(ctx)

	second := New(10, st)
	if n := second.Load(ctx); n != 2 {
		t.Fatalf("expected 2 restored lines, got %d", n)
	}
	second.Append(rec("c"))
	got := second.Lines()
	if len(got) != 3 || !strings.HasPrefix(got[2], "=> c ") {
		t.Fatalf("unexpected lines after load: %q", got)
	}
	if second.Pending() != 1 {
		t.Fatalf("loaded lines must not count as pending, got %d", second.Pending())
	}
}

func TestLoadWithCacheStore(t *testing.T) {
	st, err := cache.Open(cache.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	l := New(10, st)
	l.Append(rec("gemini://localhost/x/"))
	if !l.Flush(ctx) {
		t.Fatalf("flush to cache store failed")
	}
	listed, err := st.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("access log must not appear in listings: %+v", listed)
	}

	restored := New(10, st)
	if n := restored.Load(ctx); n != 1 {
		t.Fatalf("expected 1 restored line, got %d", n)
	}
}

func TestRunFlushesOnCancel(t *testing.T) {
	st := newMemStore()
	l := New(10, st)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Hour)
		close(done)
	}()
	l.Append(rec("a"))
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if _, ok := st.Get(context.Background(), Key); !ok {
		t.Fatalf("expected final flush on shutdown")
	}
}

func TestNotifyAndChain(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	obs := Chain(nil, func(Record) { calls.Add(1) }, func(Record) {
		calls.Add(1)
		close(done)
	})
	Notify(obs, rec("x"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("observer not invoked")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if Chain(nil, nil) != nil {
		t.Fatalf("chain of nils should be nil")
	}
	// Panicking observers are recovered.
	Notify(func(Record) { panic("boom") }, rec("y"))
	Notify(nil, rec("z"))
}
