package wayplan

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Cached Session
// ============================================================================

// SaveSession caches the session profile as one whole record. Called after
// sign-in and on every pushed user-document update, replacing whatever was
// stored before.
func (m *OfflineManager) SaveSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := m.storage.Set(KeySession, data); err != nil {
		return fmt.Errorf("cache session: %w", err)
	}
	return nil
}

// LoadSession returns the cached session, or ErrNotFound when no user is
// cached (signed out or guest mode).
func (m *OfflineManager) LoadSession() (*Session, error) {
	data, err := m.storage.Get(KeySession)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// ClearSession removes the cached session entirely. Sign-out and guest-mode
// entry never leave a partial record behind.
func (m *OfflineManager) ClearSession() error {
	if err := m.storage.Remove(KeySession); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
