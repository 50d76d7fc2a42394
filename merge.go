package wayplan

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ============================================================================
// Stream Merge Reconciler
// ============================================================================

// MergeTrips combines the owned-trips and collaborator-trips result sets
// into one deduplicated list sorted by creation time, newest first. When a
// trip appears in both sets the owned copy wins. The inputs are full
// snapshots, so merging is a pure recomputation with no incremental state.
func MergeTrips(owned, shared []Trip) []Trip {
	merged := make([]Trip, 0, len(owned)+len(shared))
	seen := make(map[string]struct{}, len(owned))
	for _, t := range owned {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		merged = append(merged, t)
	}
	for _, t := range shared {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		merged = append(merged, t)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// StreamState describes one push stream of the feed.
type StreamState string

const (
	StreamIdle  StreamState = "idle"
	StreamLive  StreamState = "live"
	StreamError StreamState = "error"
)

// StreamStatus is the per-stream health of the feed. An error on one
// stream never disturbs the other stream or the last merged list.
type StreamStatus struct {
	State StreamState
	Err   error
}

// TripFeed reconciles the two trip push streams into a single merged list.
// Each stream owns exactly one input port (SetOwned / SetShared); every
// port update recomputes the merged list, persists it best-effort, and
// fires OnChange.
type TripFeed struct {
	storage Storage
	logger  *zap.Logger

	onChange func([]Trip)

	mu           sync.Mutex
	owned        []Trip
	shared       []Trip
	ownedDigest  uint64
	sharedDigest uint64
	ownedStatus  StreamStatus
	sharedStatus StreamStatus
	merged       []Trip
	closed       bool
}

// TripFeedOptions configures optional TripFeed behavior.
type TripFeedOptions struct {
	Logger *zap.Logger
	// OnChange is invoked with the new merged list after every
	// recomputation, outside the feed's lock.
	OnChange func([]Trip)
}

// NewTripFeed creates a feed persisting merged lists to storage. The last
// cached list, if any, seeds the merged view so offline starts show data
// immediately. opts may be nil.
func NewTripFeed(storage Storage, opts *TripFeedOptions) *TripFeed {
	f := &TripFeed{
		storage:      storage,
		logger:       zap.NewNop(),
		ownedStatus:  StreamStatus{State: StreamIdle},
		sharedStatus: StreamStatus{State: StreamIdle},
	}
	if opts != nil {
		if opts.Logger != nil {
			f.logger = opts.Logger
		}
		f.onChange = opts.OnChange
	}
	if cached, err := loadTrips(storage); err == nil {
		f.merged = cached
	}
	return f
}

// SetOwned delivers a full owned-trips snapshot. raw, when non-nil, is the
// wire payload the snapshot was decoded from; its digest lets the feed
// skip recomputation when the store re-delivers an unchanged result set.
func (f *TripFeed) SetOwned(trips []Trip, raw []byte) {
	f.setPort(&f.owned, &f.ownedDigest, &f.ownedStatus, trips, raw)
}

// SetShared delivers a full collaborator-trips snapshot.
func (f *TripFeed) SetShared(trips []Trip, raw []byte) {
	f.setPort(&f.shared, &f.sharedDigest, &f.sharedStatus, trips, raw)
}

func (f *TripFeed) setPort(port *[]Trip, digest *uint64, status *StreamStatus, trips []Trip, raw []byte) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if raw != nil {
		d := xxhash.Sum64(raw)
		if d == *digest && status.State == StreamLive {
			f.mu.Unlock()
			return
		}
		*digest = d
	}
	*port = trips
	*status = StreamStatus{State: StreamLive}
	merged := MergeTrips(f.owned, f.shared)
	f.merged = merged
	if err := storeTrips(f.storage, merged); err != nil {
		f.logger.Warn("merged trips not persisted", zap.Error(err))
	}
	onChange := f.onChange
	f.mu.Unlock()

	if onChange != nil {
		onChange(merged)
	}
}

// SetOwnedError marks the owned stream failed. The collaborator stream and
// the merged list are untouched.
func (f *TripFeed) SetOwnedError(err error) {
	f.setError(&f.ownedStatus, err)
}

// SetSharedError marks the collaborator stream failed.
func (f *TripFeed) SetSharedError(err error) {
	f.setError(&f.sharedStatus, err)
}

func (f *TripFeed) setError(status *StreamStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	*status = StreamStatus{State: StreamError, Err: err}
	f.logger.Warn("trip stream failed", zap.Error(err))
}

// Trips returns a copy of the current merged list.
func (f *TripFeed) Trips() []Trip {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Trip(nil), f.merged...)
}

// Status returns the owned and collaborator stream statuses.
func (f *TripFeed) Status() (owned, shared StreamStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownedStatus, f.sharedStatus
}

// Close detaches both ports. Deliveries after Close are dropped.
func (f *TripFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.owned = nil
	f.shared = nil
	f.ownedStatus = StreamStatus{State: StreamIdle}
	f.sharedStatus = StreamStatus{State: StreamIdle}
}
