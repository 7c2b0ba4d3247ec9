package store

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/autojoin/internal/config"
	"github.com/friendsincode/autojoin/internal/db"
	"github.com/friendsincode/autojoin/internal/meeting"
	"github.com/rs/zerolog"
)

func newSQLiteStores(t *testing.T) (*SQL, *SQL) {
	t.Helper()
	database, err := db.Connect(config.StoreSQLite, ":memory:")
	if err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQL(database, ScopeSync), NewSQL(database, ScopeLocal)
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var got int
	found, err := s.Get(ctx, "missing", &got)
	if err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}

	if err := s.Set(ctx, "n", 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "n", 9); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	found, err = s.Get(ctx, "n", &got)
	if err != nil || !found || got != 9 {
		t.Fatalf("get after overwrite: got=%d found=%v err=%v", got, found, err)
	}

	if err := s.Delete(ctx, "n"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if found, _ := s.Get(ctx, "n", &got); found {
		t.Fatal("deleted key still present")
	}

	if err := s.Set(ctx, "", 1); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLStore(t *testing.T) {
	syncStore, _ := newSQLiteStores(t)
	exerciseStore(t, syncStore)
}

func TestSQLScopesAreIsolated(t *testing.T) {
	syncStore, localStore := newSQLiteStores(t)
	ctx := context.Background()

	if err := syncStore.Set(ctx, "shared", "sync-value"); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got string
	if found, _ := localStore.Get(ctx, "shared", &got); found {
		t.Fatalf("local scope saw sync value %q", got)
	}
}

func TestRedisUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := NewRedisClient(ctx, RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop()); err == nil {
		t.Fatal("expected unreachable redis to fail")
	}
}

// fakeS3 serves path-style object requests from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := S3Config{
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Region:          "us-east-1",
		Bucket:          "prefs",
		Endpoint:        srv.URL,
		Prefix:          "autojoin",
		UsePathStyle:    true,
	}
	client, err := NewS3Client(context.Background(), cfg)
	if err != nil {
		t.Fatalf("s3 client: %v", err)
	}
	s := NewS3(client, cfg, ScopeSync)
	exerciseStore(t, s)

	_ = s.Set(context.Background(), KeyCloseAfterMeeting, false)
	fake.mu.Lock()
	_, ok := fake.objects["/prefs/autojoin/sync/closeAfterMeeting.json"]
	fake.mu.Unlock()
	if !ok {
		t.Fatalf("unexpected object layout: %v", keys(fake))
	}
}

func keys(f *fakeS3) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func TestSettingsRepo(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	repo := NewSettingsRepo(s)

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != meeting.DefaultSettings() {
		t.Fatalf("empty store should yield defaults, got %+v", got)
	}

	// closeAfterMeeting=false must survive; zero minutes falls back to default
	_ = s.Set(ctx, KeyCloseAfterMeeting, false)
	_ = s.Set(ctx, KeyMinutesBeforeMeeting, 0)
	got, _ = repo.Load(ctx)
	if got.CloseAfterMeeting || got.MinutesBeforeMeeting != meeting.DefaultMinutesBeforeMeeting {
		t.Fatalf("unexpected settings %+v", got)
	}

	if err := repo.Save(ctx, meeting.Settings{MinutesBeforeMeeting: 2, CloseAfterMeeting: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ = repo.Load(ctx)
	if got.MinutesBeforeMeeting != 2 || !got.CloseAfterMeeting {
		t.Fatalf("unexpected settings after save %+v", got)
	}
}

func TestSettingsRepoEnsureDefaults(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Set(ctx, KeyMinutesBeforeMeeting, 10)
	repo := NewSettingsRepo(s)

	seeded, err := repo.EnsureDefaults(ctx)
	if err != nil {
		t.Fatalf("ensure defaults: %v", err)
	}
	if len(seeded) != 1 || seeded[0] != KeyCloseAfterMeeting {
		t.Fatalf("expected only closeAfterMeeting to be seeded, got %v", seeded)
	}

	got, _ := repo.Load(ctx)
	if got.MinutesBeforeMeeting != 10 {
		t.Fatalf("existing value overwritten: %+v", got)
	}

	seeded, _ = repo.EnsureDefaults(ctx)
	if len(seeded) != 0 {
		t.Fatalf("second run should seed nothing, got %v", seeded)
	}
}

func TestSnapshotRepoReplace(t *testing.T) {
	ctx := context.Background()
	_, local := newSQLiteStores(t)
	repo := NewSnapshotRepo(local)

	snap, err := repo.Load(ctx)
	if err != nil || len(snap) != 0 {
		t.Fatalf("initial snapshot: %v %v", snap, err)
	}

	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	first := meeting.Snapshot{
		"a": {ID: "a", Title: "A", Link: "https://meet.google.com/a", StartTime: start, EndTime: start.Add(time.Hour)},
		"b": {ID: "b", Title: "B", Link: "https://meet.google.com/b", StartTime: start, EndTime: start.Add(time.Hour)},
	}
	if err := repo.Replace(ctx, first); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := repo.Replace(ctx, meeting.Snapshot{"c": {ID: "c", Title: "C"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	snap, _ = repo.Load(ctx)
	if len(snap) != 1 {
		t.Fatalf("replace must not merge, got %v", snap)
	}
	if _, ok := snap["c"]; !ok {
		t.Fatalf("expected only c, got %v", snap)
	}

	if err := repo.Replace(ctx, nil); err != nil {
		t.Fatalf("replace nil: %v", err)
	}
	snap, _ = repo.Load(ctx)
	if snap == nil || len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap)
	}
}

func TestOpenerSharesSQLiteAcrossScopes(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SyncStoreDSN = dir + "/autojoin.db"
	cfg.LocalStoreDSN = cfg.SyncStoreDSN

	o := NewOpener(cfg, zerolog.Nop())
	defer o.Close()

	syncStore, err := o.Open(context.Background(), ScopeSync)
	if err != nil {
		t.Fatalf("open sync: %v", err)
	}
	localStore, err := o.Open(context.Background(), ScopeLocal)
	if err != nil {
		t.Fatalf("open local: %v", err)
	}
	if len(o.dbs) != 1 {
		t.Fatalf("expected one shared connection, got %d", len(o.dbs))
	}

	_ = syncStore.Set(context.Background(), "k", "v")
	var got string
	if found, _ := localStore.Get(context.Background(), "k", &got); found {
		t.Fatal("scopes leaked through shared connection")
	}
}

func TestOpenerMemoryAndUnsupported(t *testing.T) {
	cfg := config.Default()
	cfg.SyncStoreBackend = config.StoreMemory
	cfg.LocalStoreBackend = "etcd"
	o := NewOpener(cfg, zerolog.Nop())

	if _, err := o.Open(context.Background(), ScopeSync); err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, err := o.Open(context.Background(), ScopeLocal); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported backend error, got %v", err)
	}
}
