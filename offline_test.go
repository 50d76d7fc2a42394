package wayplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeStore is a scripted remote store: it records every write call and
// answers from a per-call script, defaulting to success.
type fakeStore struct {
	mu      sync.Mutex
	calls   []storeCall
	nextID  int
	failAt  map[int]int // call index -> HTTP status
	errCode string
}

type storeCall struct {
	method string
	path   string
	idem   string
}

func (f *fakeStore) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		idx := len(f.calls)
		f.calls = append(f.calls, storeCall{
			method: r.Method,
			path:   r.URL.Path,
			idem:   r.Header.Get("Idempotency-Key"),
		})
		status, fail := f.failAt[idx]
		var id string
		if !fail && r.Method == http.MethodPost {
			f.nextID++
			id = fmt.Sprintf("srv_%d", f.nextID)
		}
		f.mu.Unlock()

		if fail {
			code := f.errCode
			if code == "" {
				code = "boom"
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: "scripted failure"}})
			return
		}
		res := Result{OK: true}
		if id != "" {
			data, _ := json.Marshal(Trip{ID: id, Title: "from server"})
			res.Data = data
		}
		json.NewEncoder(w).Encode(res)
	}
}

func (f *fakeStore) callList() []storeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storeCall(nil), f.calls...)
}

func newTestManager(t *testing.T, store *fakeStore, online bool) (*OfflineManager, *StaticMonitor, *MemoryStorage) {
	t.Helper()
	server := httptest.NewServer(store.handler())
	t.Cleanup(server.Close)
	monitor := NewStaticMonitor(online)
	storage := NewMemoryStorage()
	mgr := NewOfflineManager(NewClient("tok", WithBaseURL(server.URL)), storage, monitor, nil)
	return mgr, monitor, storage
}

func TestMutateOffline(t *testing.T) {
	ctx := context.Background()

	t.Run("create queues and patches cache", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, &fakeStore{}, false)

		localID := NewLocalID()
		res, err := mgr.Mutate(ctx, OpCreate, CollectionTrips, localID, map[string]any{"title": "Rome"})
		if err != nil {
			t.Fatalf("Mutate: %v", err)
		}
		if res.Status != StatusQueued || res.Entry == nil {
			t.Fatalf("result = %+v, want queued with entry", res)
		}
		if n, _ := mgr.QueueLen(); n != 1 {
			t.Fatalf("queue len = %d, want 1", n)
		}
		trips, err := mgr.Trips()
		if err != nil {
			t.Fatalf("Trips: %v", err)
		}
		if len(trips) != 1 || trips[0].ID != localID || trips[0].Title != "Rome" {
			t.Fatalf("cache = %+v", trips)
		}
	})

	t.Run("update patches only named fields", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, &fakeStore{}, false)

		localID := NewLocalID()
		mgr.Mutate(ctx, OpCreate, CollectionTrips, localID, map[string]any{"title": "Rome", "destination": "Italy"})
		if _, err := mgr.Mutate(ctx, OpUpdate, CollectionTrips, localID, map[string]any{"title": "Roma"}); err != nil {
			t.Fatalf("Mutate update: %v", err)
		}

		trips, _ := mgr.Trips()
		if trips[0].Title != "Roma" || trips[0].Destination != "Italy" {
			t.Fatalf("cache = %+v, want title patched and destination kept", trips[0])
		}
		if n, _ := mgr.QueueLen(); n != 2 {
			t.Fatalf("queue len = %d, want 2", n)
		}
	})

	t.Run("delete of synced trip queues and removes from cache", func(t *testing.T) {
		mgr, _, storage := newTestManager(t, &fakeStore{}, false)
		data, _ := json.Marshal([]Trip{{ID: "srv_9", Title: "old"}})
		storage.Set(KeyTrips, data)

		res, err := mgr.Mutate(ctx, OpDelete, CollectionTrips, "srv_9", nil)
		if err != nil {
			t.Fatalf("Mutate: %v", err)
		}
		if res.Status != StatusQueued {
			t.Fatalf("status = %s", res.Status)
		}
		if trips, _ := mgr.Trips(); len(trips) != 0 {
			t.Fatalf("cache = %+v, want empty", trips)
		}
		if n, _ := mgr.QueueLen(); n != 1 {
			t.Fatalf("queue len = %d, want 1", n)
		}
	})

	t.Run("delete of pending create collapses the queue", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, &fakeStore{}, false)

		localID := NewLocalID()
		mgr.Mutate(ctx, OpCreate, CollectionTrips, localID, map[string]any{"title": "Rome"})
		mgr.Mutate(ctx, OpUpdate, CollectionTrips, localID, map[string]any{"title": "Roma"})
		if _, err := mgr.Mutate(ctx, OpDelete, CollectionTrips, localID, nil); err != nil {
			t.Fatalf("Mutate delete: %v", err)
		}

		if n, _ := mgr.QueueLen(); n != 0 {
			t.Fatalf("queue len = %d, want 0 after collapse", n)
		}
		if trips, _ := mgr.Trips(); len(trips) != 0 {
			t.Fatalf("cache = %+v, want empty", trips)
		}
	})
}

func TestMutateOnline(t *testing.T) {
	ctx := context.Background()

	t.Run("sends directly and refreshes cache", func(t *testing.T) {
		store := &fakeStore{}
		mgr, _, _ := newTestManager(t, store, true)

		res, err := mgr.Mutate(ctx, OpCreate, CollectionTrips, NewLocalID(), map[string]any{"title": "Rome"})
		if err != nil {
			t.Fatalf("Mutate: %v", err)
		}
		if res.Status != StatusSent || res.Result == nil {
			t.Fatalf("result = %+v, want sent", res)
		}
		if n, _ := mgr.QueueLen(); n != 0 {
			t.Fatalf("queue len = %d, want 0", n)
		}
		trips, _ := mgr.Trips()
		if len(trips) != 1 || IsLocalID(trips[0].ID) {
			t.Fatalf("cache = %+v, want server copy", trips)
		}
	})

	t.Run("transport failure falls back to queue", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()
		mgr := NewOfflineManager(NewClient("tok", WithBaseURL(server.URL)), NewMemoryStorage(), NewStaticMonitor(true), nil)

		res, err := mgr.Mutate(ctx, OpCreate, CollectionTrips, NewLocalID(), map[string]any{"title": "Rome"})
		if err != nil {
			t.Fatalf("Mutate: %v", err)
		}
		if res.Status != StatusQueued {
			t.Fatalf("status = %s, want queued", res.Status)
		}
		if n, _ := mgr.QueueLen(); n != 1 {
			t.Fatalf("queue len = %d, want 1", n)
		}
	})

	t.Run("explicit rejection is not queued", func(t *testing.T) {
		store := &fakeStore{failAt: map[int]int{0: http.StatusUnprocessableEntity}, errCode: "validation"}
		mgr, _, _ := newTestManager(t, store, true)

		_, err := mgr.Mutate(ctx, OpCreate, CollectionTrips, NewLocalID(), map[string]any{"title": ""})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "validation" {
			t.Fatalf("err = %v, want validation APIError", err)
		}
		if n, _ := mgr.QueueLen(); n != 0 {
			t.Fatalf("queue len = %d, want 0", n)
		}
	})

	t.Run("update of unsynced trip stays local even online", func(t *testing.T) {
		store := &fakeStore{}
		mgr, _, _ := newTestManager(t, store, true)

		// Trip created offline, then the app comes online before a drain.
		localID := NewLocalID()
		res, err := mgr.Mutate(ctx, OpUpdate, CollectionTrips, localID, map[string]any{"title": "Roma"})
		if err != nil {
			t.Fatalf("Mutate: %v", err)
		}
		if res.Status != StatusQueued {
			t.Fatalf("status = %s, want queued (temporary ID must never hit the store)", res.Status)
		}
		if calls := store.callList(); len(calls) != 0 {
			t.Fatalf("temporary ID leaked to the store: %+v", calls)
		}
	})
}

func TestDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("replays in order and remaps temporary IDs", func(t *testing.T) {
		store := &fakeStore{}
		mgr, monitor, _ := newTestManager(t, store, false)

		localID := NewLocalID()
		mgr.Mutate(ctx, OpCreate, CollectionTrips, localID, map[string]any{"title": "Rome"})
		mgr.Mutate(ctx, OpUpdate, CollectionTrips, localID, map[string]any{"title": "Roma"})
		mgr.Mutate(ctx, OpDelete, CollectionTrips, "srv_old", nil)

		monitor.SetOnline(true)
		res, err := mgr.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if res.Replayed != 3 || res.Blocked {
			t.Fatalf("result = %+v, want 3 replayed", res)
		}
		serverID, ok := res.Remapped[localID]
		if !ok || IsLocalID(serverID) {
			t.Fatalf("remap = %v", res.Remapped)
		}
		if n, _ := mgr.QueueLen(); n != 0 {
			t.Fatalf("queue len = %d, want 0", n)
		}

		calls := store.callList()
		if len(calls) != 3 {
			t.Fatalf("store saw %d calls, want 3", len(calls))
		}
		if calls[0].method != http.MethodPost {
			t.Fatalf("first call %s, want POST", calls[0].method)
		}
		// The update queued against the temporary ID must be replayed
		// against the server-assigned one.
		if calls[1].path != "/api/db/trips/"+serverID {
			t.Fatalf("update path = %s, want /api/db/trips/%s", calls[1].path, serverID)
		}
		if calls[2].path != "/api/db/trips/srv_old" {
			t.Fatalf("delete path = %s", calls[2].path)
		}

		trips, _ := mgr.Trips()
		if len(trips) != 1 || trips[0].ID != serverID {
			t.Fatalf("cache = %+v, want single trip with server ID", trips)
		}
	})

	t.Run("transient failure blocks with remainder intact", func(t *testing.T) {
		store := &fakeStore{failAt: map[int]int{1: http.StatusInternalServerError}}
		mgr, monitor, _ := newTestManager(t, store, false)

		mgr.Mutate(ctx, OpDelete, CollectionTrips, "a", nil)
		mgr.Mutate(ctx, OpDelete, CollectionTrips, "b", nil)
		mgr.Mutate(ctx, OpDelete, CollectionTrips, "c", nil)

		monitor.SetOnline(true)
		res, err := mgr.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if res.Replayed != 1 || !res.Blocked {
			t.Fatalf("result = %+v, want 1 replayed + blocked", res)
		}
		if !mgr.Blocked() {
			t.Fatal("manager should report blocked")
		}
		entries, _ := mgr.PendingEntries()
		if len(entries) != 2 || entries[0].DocID != "b" || entries[1].DocID != "c" {
			t.Fatalf("remaining queue = %+v", entries)
		}

		// Reachable transition retries from the failed entry.
		res2, err := mgr.NotifyOnline(ctx, true)
		if err != nil {
			t.Fatalf("NotifyOnline: %v", err)
		}
		if res2.Replayed != 2 || res2.Blocked {
			t.Fatalf("retry result = %+v, want 2 replayed", res2)
		}
		if mgr.Blocked() {
			t.Fatal("blocked should clear after successful drain")
		}
	})

	t.Run("terminal rejection drops entry and notifies", func(t *testing.T) {
		store := &fakeStore{failAt: map[int]int{0: http.StatusUnprocessableEntity}, errCode: "validation"}
		var dropped []FailedEntry
		server := httptest.NewServer(store.handler())
		t.Cleanup(server.Close)
		monitor := NewStaticMonitor(false)
		mgr := NewOfflineManager(NewClient("tok", WithBaseURL(server.URL)), NewMemoryStorage(), monitor, &OfflineOptions{
			OnEntryFailed: func(f FailedEntry) { dropped = append(dropped, f) },
		})

		mgr.Mutate(ctx, OpDelete, CollectionTrips, "bad", nil)
		mgr.Mutate(ctx, OpDelete, CollectionTrips, "good", nil)
		monitor.SetOnline(true)

		res, err := mgr.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if res.Replayed != 1 || len(res.Failed) != 1 || res.Blocked {
			t.Fatalf("result = %+v, want 1 replayed + 1 failed", res)
		}
		if res.Failed[0].Entry.DocID != "bad" || res.Failed[0].Err.Code != "validation" {
			t.Fatalf("failed = %+v", res.Failed[0])
		}
		if len(dropped) != 1 || dropped[0].Entry.DocID != "bad" {
			t.Fatalf("callback got %+v", dropped)
		}
		if n, _ := mgr.QueueLen(); n != 0 {
			t.Fatalf("queue len = %d, want 0", n)
		}
	})

	t.Run("unreachable store refuses to drain", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, &fakeStore{}, false)
		if _, err := mgr.Drain(ctx); !errors.Is(err, ErrOffline) {
			t.Fatalf("err = %v, want ErrOffline", err)
		}
	})

	t.Run("idempotency key stable across retries", func(t *testing.T) {
		store := &fakeStore{failAt: map[int]int{0: http.StatusInternalServerError}}
		mgr, monitor, _ := newTestManager(t, store, false)

		mgr.Mutate(ctx, OpCreate, CollectionTrips, NewLocalID(), map[string]any{"title": "Rome"})
		monitor.SetOnline(true)

		if res, _ := mgr.Drain(ctx); !res.Blocked {
			t.Fatal("first pass should block")
		}
		if _, err := mgr.Drain(ctx); err != nil {
			t.Fatalf("second Drain: %v", err)
		}

		calls := store.callList()
		if len(calls) != 2 {
			t.Fatalf("store saw %d calls, want 2", len(calls))
		}
		if calls[0].idem == "" || calls[0].idem != calls[1].idem {
			t.Fatalf("idempotency keys differ across retries: %q vs %q", calls[0].idem, calls[1].idem)
		}
	})
}

func TestNotifyOnline(t *testing.T) {
	ctx := context.Background()

	t.Run("offline to online triggers drain", func(t *testing.T) {
		store := &fakeStore{}
		mgr, monitor, _ := newTestManager(t, store, false)
		mgr.Mutate(ctx, OpDelete, CollectionTrips, "a", nil)

		monitor.SetOnline(true)
		res, err := mgr.NotifyOnline(ctx, true)
		if err != nil {
			t.Fatalf("NotifyOnline: %v", err)
		}
		if res == nil || res.Replayed != 1 {
			t.Fatalf("result = %+v, want 1 replayed", res)
		}
	})

	t.Run("staying online does not re-drain", func(t *testing.T) {
		store := &fakeStore{}
		mgr, monitor, _ := newTestManager(t, store, true)
		monitor.SetOnline(true)

		if _, err := mgr.NotifyOnline(ctx, true); err != nil {
			t.Fatalf("NotifyOnline: %v", err)
		}
		mgr.Mutate(ctx, OpDelete, CollectionTrips, "a", nil)
		// still online: no transition, no drain
		res, err := mgr.NotifyOnline(ctx, true)
		if err != nil {
			t.Fatalf("NotifyOnline: %v", err)
		}
		if res != nil {
			t.Fatalf("result = %+v, want nil (no transition)", res)
		}
	})

	t.Run("going offline records state silently", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, &fakeStore{}, true)
		if res, err := mgr.NotifyOnline(ctx, false); err != nil || res != nil {
			t.Fatalf("got (%+v, %v), want (nil, nil)", res, err)
		}
	})
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := &fakeStore{}
	server := httptest.NewServer(store.handler())
	t.Cleanup(server.Close)
	client := NewClient("tok", WithBaseURL(server.URL))

	storage1, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	mgr1 := NewOfflineManager(client, storage1, NewStaticMonitor(false), nil)
	localID := NewLocalID()
	if _, err := mgr1.Mutate(ctx, OpCreate, CollectionTrips, localID, map[string]any{"title": "Rome"}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// New manager over the same directory, as after an app restart.
	storage2, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	mgr2 := NewOfflineManager(client, storage2, NewStaticMonitor(true), nil)

	if n, _ := mgr2.QueueLen(); n != 1 {
		t.Fatalf("queue len after restart = %d, want 1", n)
	}
	trips, _ := mgr2.Trips()
	if len(trips) != 1 || trips[0].ID != localID {
		t.Fatalf("cache after restart = %+v", trips)
	}

	res, err := mgr2.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Replayed != 1 {
		t.Fatalf("replayed = %d, want 1", res.Replayed)
	}
	if n, _ := mgr2.QueueLen(); n != 0 {
		t.Fatalf("queue len = %d, want 0", n)
	}
}
