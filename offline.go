package wayplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Offline Manager
// ============================================================================

var (
	// ErrOffline is returned when an operation requires the remote store
	// and the network monitor reports it unreachable.
	ErrOffline = errors.New("remote store unreachable")

	// ErrDrainActive is returned when a drain is requested while another
	// drain pass is already running.
	ErrDrainActive = errors.New("drain already in progress")
)

// DispatchStatus tells the caller which path a mutation took.
type DispatchStatus string

const (
	// StatusSent means the mutation was applied on the remote store.
	StatusSent DispatchStatus = "sent"
	// StatusQueued means the mutation was recorded in the durable write
	// queue and applied to the local cache optimistically.
	StatusQueued DispatchStatus = "queued"
)

// DispatchResult is the outcome of Mutate. Result is set when the mutation
// was sent; Entry when it was queued. A collapsed delete (see Mutate) yields
// StatusQueued with a nil Entry.
type DispatchResult struct {
	Status DispatchStatus
	Result *Result
	Entry  *QueueEntry
}

// FailedEntry describes a queued mutation that was dropped during a drain
// because the remote store rejected it outright.
type FailedEntry struct {
	Entry QueueEntry
	Err   *APIError
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Replayed counts entries confirmed by the remote store.
	Replayed int
	// Failed lists entries dropped on terminal rejection.
	Failed []FailedEntry
	// Remapped maps temporary local IDs to their server-assigned IDs.
	Remapped map[string]string
	// Blocked is true when the pass stopped on a transient failure with
	// entries still queued; the next reachable transition retries.
	Blocked bool
}

// OfflineOptions configures optional OfflineManager behavior.
type OfflineOptions struct {
	Logger *zap.Logger
	// OnEntryFailed is invoked once per dropped entry during a drain,
	// naming the affected document. Called without the manager lock held.
	OnEntryFailed func(FailedEntry)
}

// OfflineManager is the single dispatch point for mutations. It decides
// per call whether to send a write directly or record it in the durable
// queue with an optimistic cache patch, and it replays the queue when the
// store becomes reachable again.
//
// All queue and trip-cache mutations go through mgr.mu, so concurrent
// Mutate calls and a running drain serialize their read-modify-write
// cycles. The lock is never held across a network call.
type OfflineManager struct {
	client  *Client
	storage Storage
	monitor NetworkMonitor
	logger  *zap.Logger

	onEntryFailed func(FailedEntry)

	mu        sync.Mutex
	draining  bool
	blocked   bool
	wasOnline bool
}

// NewOfflineManager creates a manager. opts may be nil.
func NewOfflineManager(client *Client, storage Storage, monitor NetworkMonitor, opts *OfflineOptions) *OfflineManager {
	m := &OfflineManager{
		client:  client,
		storage: storage,
		monitor: monitor,
		logger:  zap.NewNop(),
	}
	if opts != nil {
		if opts.Logger != nil {
			m.logger = opts.Logger
		}
		m.onEntryFailed = opts.OnEntryFailed
	}
	return m
}

// ============================================================================
// Mutation dispatch
// ============================================================================

// Mutate is the one path every write takes. It checks reachability at call
// time: online, the mutation goes straight to the remote store; offline (or
// on a transient send failure), it is appended to the durable queue and the
// local trip cache is patched so the change is immediately visible.
//
// For OpCreate, docID must be a fresh temporary ID from NewLocalID. A
// delete that targets a still-queued temporary ID collapses: the pending
// create and its updates are removed from the queue and nothing is sent,
// since the remote store never saw the document.
func (m *OfflineManager) Mutate(ctx context.Context, op QueueOp, collection, docID string, fields map[string]any) (*DispatchResult, error) {
	// A non-create targeting a temporary ID cannot go to the store even
	// when online: the document only exists in the queue.
	directable := op == OpCreate || !IsLocalID(docID)
	if directable && m.monitor.Online(ctx) {
		res, err := m.send(ctx, op, collection, docID, fields, "")
		if err == nil && res.OK {
			if collection == CollectionTrips {
				m.refreshTripFromResult(op, docID, res)
			}
			return &DispatchResult{Status: StatusSent, Result: res}, nil
		}
		if err == nil {
			// The store answered with a rejection; queuing a write the
			// store already refused would only fail again at drain time.
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, fmt.Errorf("mutation rejected")
		}
		m.logger.Warn("send failed, falling back to queue",
			zap.String("op", string(op)),
			zap.String("doc_id", docID),
			zap.Error(err))
	}
	return m.enqueue(ctx, op, collection, docID, fields)
}

// send performs the remote call for one mutation.
func (m *OfflineManager) send(ctx context.Context, op QueueOp, collection, docID string, fields map[string]any, idempotencyKey string) (*Result, error) {
	switch op {
	case OpCreate:
		return m.client.request(ctx, http.MethodPost, "/api/db/"+collection, fields, idempotencyKey)
	case OpUpdate:
		return m.client.request(ctx, http.MethodPatch, "/api/db/"+collection+"/"+docID, fields, idempotencyKey)
	case OpDelete:
		return m.client.request(ctx, http.MethodDelete, "/api/db/"+collection+"/"+docID, nil, idempotencyKey)
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}
}

// enqueue records the mutation durably and patches the cache. The queue
// write happens first: losing an optimistic patch costs a stale view until
// the next push delivery, losing a queue entry costs the user's data.
func (m *OfflineManager) enqueue(ctx context.Context, op QueueOp, collection, docID string, fields map[string]any) (*DispatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, err := loadQueue(m.storage)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	if op == OpDelete && IsLocalID(docID) {
		kept := queue[:0]
		foundCreate := false
		for _, e := range queue {
			if e.DocID == docID {
				if e.Op == OpCreate {
					foundCreate = true
				}
				continue
			}
			kept = append(kept, e)
		}
		if !foundCreate {
			m.logger.Warn("delete of unknown local document dropped",
				zap.String("doc_id", docID))
			return &DispatchResult{Status: StatusQueued}, nil
		}
		if err := saveQueue(m.storage, kept); err != nil {
			return nil, fmt.Errorf("save queue: %w", err)
		}
		if collection == CollectionTrips {
			m.patchTripsLocked(QueueEntry{Op: OpDelete, Collection: collection, DocID: docID})
		}
		return &DispatchResult{Status: StatusQueued}, nil
	}

	entry := QueueEntry{
		ID:             uuid.NewString(),
		Op:             op,
		Collection:     collection,
		DocID:          docID,
		Fields:         fields,
		IdempotencyKey: uuid.NewString(),
		EnqueuedAt:     time.Now().UTC(),
	}
	queue = append(queue, entry)
	if err := saveQueue(m.storage, queue); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}

	if collection == CollectionTrips {
		m.patchTripsLocked(entry)
	}
	return &DispatchResult{Status: StatusQueued, Entry: &entry}, nil
}

// patchTripsLocked applies one queue entry to the cached trip list. The
// patch is derived from the persisted entry itself, so replaying the queue
// over a pristine cache yields the same list. Failures keep the entry and
// log; the queue is the source of truth.
func (m *OfflineManager) patchTripsLocked(entry QueueEntry) {
	trips, err := loadTrips(m.storage)
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("optimistic patch skipped: cache unreadable", zap.Error(err))
		return
	}
	trips = applyEntryToTrips(trips, entry)
	if err := storeTrips(m.storage, trips); err != nil {
		m.logger.Warn("optimistic patch not persisted", zap.Error(err))
	}
}

// applyEntryToTrips returns the trip list with one queued mutation applied.
func applyEntryToTrips(trips []Trip, entry QueueEntry) []Trip {
	switch entry.Op {
	case OpCreate:
		t := Trip{ID: entry.DocID, CreatedAt: entry.EnqueuedAt}
		t = patchTrip(t, entry.Fields)
		return append(trips, t)
	case OpUpdate:
		for i, t := range trips {
			if t.ID == entry.DocID {
				trips[i] = patchTrip(t, entry.Fields)
				break
			}
		}
		return trips
	case OpDelete:
		kept := trips[:0]
		for _, t := range trips {
			if t.ID != entry.DocID {
				kept = append(kept, t)
			}
		}
		return kept
	}
	return trips
}

// patchTrip overlays a partial field set onto a trip via the trip's own
// JSON tags, so queued field names and wire field names cannot drift apart.
func patchTrip(t Trip, fields map[string]any) Trip {
	if len(fields) == 0 {
		return t
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return t
	}
	patched := t
	if err := json.Unmarshal(b, &patched); err != nil {
		return t
	}
	patched.ID = t.ID
	return patched
}

// refreshTripFromResult folds a direct-send outcome into the cache so the
// local list reflects the server copy (server-assigned ID, server
// timestamps) without waiting for the next push delivery.
func (m *OfflineManager) refreshTripFromResult(op QueueOp, docID string, res *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trips, err := loadTrips(m.storage)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return
	}
	switch op {
	case OpCreate, OpUpdate:
		var t Trip
		if err := res.Decode(&t); err != nil || t.ID == "" {
			return
		}
		replaced := false
		for i := range trips {
			if trips[i].ID == t.ID {
				trips[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			trips = append(trips, t)
		}
	case OpDelete:
		trips = applyEntryToTrips(trips, QueueEntry{Op: OpDelete, DocID: docID})
	}
	if err := storeTrips(m.storage, trips); err != nil {
		m.logger.Warn("cache refresh not persisted", zap.Error(err))
	}
}

// ============================================================================
// Queue drain
// ============================================================================

// failureKind classifies a replay failure.
type failureKind int

const (
	failureTransient failureKind = iota
	failureTerminal
)

// classifyFailure decides whether a failed replay is worth retrying.
// Transport errors and server-side conditions that can clear on their own
// are transient; explicit rejections are terminal.
func classifyFailure(res *Result, err error) failureKind {
	if err != nil {
		return failureTransient
	}
	status := 0
	if res.Error != nil {
		status = res.Error.Status
	}
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return failureTransient
	default:
		return failureTerminal
	}
}

// Drain replays the write queue in FIFO order, one entry at a time, popping
// each entry only after the remote store confirms it.
//
// A transient failure stops the pass with everything from the failing entry
// on still queued; the manager stays blocked until NotifyOnline observes
// the store reachable again. A terminal rejection drops the entry, records
// it in DrainResult.Failed, and continues with the next one.
//
// When a queued create is confirmed, the server-assigned ID replaces the
// temporary ID in the cached trips and in every later queue entry that
// references it.
func (m *OfflineManager) Drain(ctx context.Context) (*DrainResult, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, ErrDrainActive
	}
	m.draining = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
	}()

	if !m.monitor.Online(ctx) {
		return nil, ErrOffline
	}

	result := &DrainResult{Remapped: make(map[string]string)}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		queue, err := loadQueue(m.storage)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("load queue: %w", err)
		}
		if len(queue) == 0 {
			m.mu.Unlock()
			break
		}
		entry := queue[0]
		m.mu.Unlock()

		res, err := m.send(ctx, entry.Op, entry.Collection, entry.DocID, entry.Fields, entry.IdempotencyKey)
		if err != nil || !res.OK {
			if classifyFailure(res, err) == failureTransient {
				m.mu.Lock()
				m.blocked = true
				m.mu.Unlock()
				m.logger.Info("drain blocked on transient failure",
					zap.String("entry_id", entry.ID),
					zap.String("doc_id", entry.DocID),
					zap.Error(err))
				result.Blocked = true
				return result, nil
			}
			apiErr := res.Error
			if apiErr == nil {
				apiErr = &APIError{Code: "rejected", Message: "mutation rejected"}
			}
			failed := FailedEntry{Entry: entry, Err: apiErr}
			m.popEntry(entry, "", nil)
			m.logger.Warn("queued change rejected by store",
				zap.String("op", string(entry.Op)),
				zap.String("doc_id", entry.DocID),
				zap.String("code", apiErr.Code))
			result.Failed = append(result.Failed, failed)
			if m.onEntryFailed != nil {
				m.onEntryFailed(failed)
			}
			continue
		}

		serverID := ""
		if entry.Op == OpCreate {
			var created Trip
			if derr := res.Decode(&created); derr == nil && created.ID != "" {
				serverID = created.ID
				result.Remapped[entry.DocID] = serverID
			}
		}
		m.popEntry(entry, serverID, res)
		result.Replayed++
	}

	m.mu.Lock()
	m.blocked = false
	m.mu.Unlock()
	return result, nil
}

// popEntry removes one confirmed (or terminally rejected) entry from the
// head of the queue. For a confirmed create, serverID rewrites the
// temporary ID in later entries and in the trip cache.
func (m *OfflineManager) popEntry(entry QueueEntry, serverID string, res *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, err := loadQueue(m.storage)
	if err != nil || len(queue) == 0 || queue[0].ID != entry.ID {
		m.logger.Warn("queue changed under drain, entry not popped",
			zap.String("entry_id", entry.ID))
		return
	}
	queue = queue[1:]

	if serverID != "" {
		for i := range queue {
			if queue[i].DocID == entry.DocID {
				queue[i].DocID = serverID
			}
			for k, v := range queue[i].Fields {
				if s, ok := v.(string); ok && s == entry.DocID {
					queue[i].Fields[k] = serverID
				}
			}
		}
	}
	if err := saveQueue(m.storage, queue); err != nil {
		m.logger.Error("save queue after pop failed", zap.Error(err))
		return
	}

	if entry.Collection != CollectionTrips {
		return
	}
	trips, err := loadTrips(m.storage)
	if err != nil {
		return
	}
	switch {
	case serverID != "":
		var created Trip
		if derr := res.Decode(&created); derr == nil {
			for i := range trips {
				if trips[i].ID == entry.DocID {
					trips[i] = created
					break
				}
			}
		}
	case entry.Op == OpDelete:
		trips = applyEntryToTrips(trips, entry)
	}
	if err := storeTrips(m.storage, trips); err != nil {
		m.logger.Warn("trip cache not updated after pop", zap.Error(err))
	}
}

// NotifyOnline feeds reachability transitions to the manager. An
// unreachable→reachable edge clears the blocked state and starts a drain;
// every other transition only records the new state.
func (m *OfflineManager) NotifyOnline(ctx context.Context, online bool) (*DrainResult, error) {
	m.mu.Lock()
	cameOnline := online && !m.wasOnline
	m.wasOnline = online
	if cameOnline {
		m.blocked = false
	}
	m.mu.Unlock()

	if !cameOnline {
		return nil, nil
	}
	res, err := m.Drain(ctx)
	if errors.Is(err, ErrDrainActive) {
		return nil, nil
	}
	return res, err
}

// Blocked reports whether the last drain pass stopped on a transient
// failure and is waiting for the next reachable transition.
func (m *OfflineManager) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// QueueLen reports how many mutations are waiting to be replayed.
func (m *OfflineManager) QueueLen() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue, err := loadQueue(m.storage)
	if err != nil {
		return 0, err
	}
	return len(queue), nil
}

// PendingEntries returns a copy of the queued mutations in replay order.
func (m *OfflineManager) PendingEntries() ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return loadQueue(m.storage)
}

// Trips returns the locally cached trip list.
func (m *OfflineManager) Trips() ([]Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trips, err := loadTrips(m.storage)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return trips, err
}

// ============================================================================
// Record helpers
// ============================================================================

func loadQueue(s Storage) ([]QueueEntry, error) {
	data, err := s.Get(KeyQueue)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var queue []QueueEntry
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return queue, nil
}

func saveQueue(s Storage, queue []QueueEntry) error {
	if len(queue) == 0 {
		return s.Remove(KeyQueue)
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	return s.Set(KeyQueue, data)
}

func loadTrips(s Storage) ([]Trip, error) {
	data, err := s.Get(KeyTrips)
	if err != nil {
		return nil, err
	}
	var trips []Trip
	if err := json.Unmarshal(data, &trips); err != nil {
		return nil, fmt.Errorf("decode trips: %w", err)
	}
	return trips, nil
}

func storeTrips(s Storage, trips []Trip) error {
	data, err := json.Marshal(trips)
	if err != nil {
		return fmt.Errorf("encode trips: %w", err)
	}
	return s.Set(KeyTrips, data)
}
