package wayplan

import (
	"context"
	"time"
)

// ============================================================================
// Network Status Monitor
// ============================================================================

// NetworkMonitor reports whether the remote store is believed reachable.
// Implementations never memoize across calls: every write decision re-asks.
// When reachability cannot be determined the answer is false, so writes are
// queued rather than lost.
type NetworkMonitor interface {
	Online(ctx context.Context) bool
}

const defaultProbeTimeout = 3 * time.Second

// ProbeMonitor determines reachability by issuing the store's health probe
// with a short timeout. Any failure — transport error, timeout, or an
// unhealthy response — reports offline.
type ProbeMonitor struct {
	client  *Client
	timeout time.Duration
}

// NewProbeMonitor creates a monitor backed by the client's health endpoint.
// timeout <= 0 selects a short default.
func NewProbeMonitor(client *Client, timeout time.Duration) *ProbeMonitor {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &ProbeMonitor{client: client, timeout: timeout}
}

func (m *ProbeMonitor) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	res, err := m.client.Health(ctx)
	if err != nil {
		return false
	}
	return res.OK
}

// StaticMonitor is a settable monitor for tests and for hosts that track
// connectivity themselves.
type StaticMonitor struct {
	online bool
}

func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{online: online}
}

func (m *StaticMonitor) SetOnline(online bool) { m.online = online }

func (m *StaticMonitor) Online(ctx context.Context) bool { return m.online }
