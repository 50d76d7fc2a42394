package wayplan

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the remote document store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic response envelope of the remote document store.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Collections
// ============================================================================

const (
	CollectionTrips    = "trips"
	CollectionUsers    = "users"
	CollectionExpenses = "expenses"
)

// ============================================================================
// Trip
// ============================================================================

// TripStatus describes where a trip is in its planning lifecycle.
type TripStatus string

const (
	TripDraft     TripStatus = "draft"
	TripPlanned   TripStatus = "planned"
	TripOngoing   TripStatus = "ongoing"
	TripCompleted TripStatus = "completed"
)

// TripStyle is a descriptive category chosen by the user.
type TripStyle string

const (
	StyleLeisure   TripStyle = "leisure"
	StyleBusiness  TripStyle = "business"
	StyleAdventure TripStyle = "adventure"
	StyleFamily    TripStyle = "family"
)

// Trip represents a locally cached trip record. ID is either a
// server-assigned identifier or a temporary local identifier (see
// NewLocalID); temporary identifiers never appear in remote calls.
type Trip struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Destination   string     `json:"destination,omitempty"`
	StartDate     string     `json:"startDate,omitempty"`
	EndDate       string     `json:"endDate,omitempty"`
	OwnerID       string     `json:"ownerId"`
	Collaborators []string   `json:"collaborators,omitempty"`
	Status        TripStatus `json:"status,omitempty"`
	Style         TripStyle  `json:"style,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// ============================================================================
// Session
// ============================================================================

// Session holds the authenticated user's profile fields needed for offline
// UI. It is cached as a whole record and cleared as a whole record.
type Session struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Locale    string    `json:"locale,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Write Queue
// ============================================================================

// QueueOp is the kind of a queued mutation.
type QueueOp string

const (
	OpCreate QueueOp = "create"
	OpUpdate QueueOp = "update"
	OpDelete QueueOp = "delete"
)

// QueueEntry is one pending mutation recorded while offline. For OpCreate,
// DocID is the temporary identifier assigned at enqueue time; for OpUpdate
// and OpDelete it is the target identifier. Queue order is FIFO and is the
// only order entries may be replayed in, since later entries may reference
// identifiers created by earlier ones.
type QueueEntry struct {
	ID             string         `json:"id"`
	Op             QueueOp        `json:"op"`
	Collection     string         `json:"collection"`
	DocID          string         `json:"docId"`
	Fields         map[string]any `json:"fields,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
}

// ============================================================================
// Temporary identifiers
// ============================================================================

const localIDPrefix = "local_"

// NewLocalID generates a temporary local identifier for a record created
// while offline. The reserved "local_" prefix distinguishes it from
// server-assigned identifiers; the timestamp plus random suffix keeps
// rapid successive creates from colliding.
func NewLocalID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s%d", localIDPrefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s%d_%x", localIDPrefix, time.Now().UnixMilli(), b)
}

// IsLocalID reports whether id is a temporary local identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
