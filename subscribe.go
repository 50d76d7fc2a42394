package wayplan

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// ============================================================================
// Push Subscription Transport
// ============================================================================

// Standing queries the store accepts for trip subscriptions.
const (
	// QueryOwned selects trips where the authenticated user is the owner.
	QueryOwned = "owned"
	// QueryShared selects trips where the user is listed as a collaborator.
	QueryShared = "shared"
)

// subscriptionEnvelope is the wire format of a push subscription. Every
// change to the result set re-delivers the full current set in Trips.
type subscriptionEnvelope struct {
	Type    string          `json:"type"`
	Query   string          `json:"query,omitempty"`
	Trips   json.RawMessage `json:"trips,omitempty"`
	Session *Session        `json:"session,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SubState represents a subscription's connection state.
type SubState string

const (
	SubDisconnected SubState = "disconnected"
	SubConnecting   SubState = "connecting"
	SubConnected    SubState = "connected"
	SubReconnecting SubState = "reconnecting"
)

// SubscriptionConfig configures a push subscription.
type SubscriptionConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *SubscriptionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ── reconnector ──────────────────────────────────────────

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SubscriptionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ── SubscriptionClient ───────────────────────────────────

// SubscriptionClient holds one WebSocket push subscription on a standing
// query. The store sends an "authenticated" envelope first, then a
// "resultSet" envelope with the full current result set on every change,
// plus "session" envelopes whenever the user document changes.
type SubscriptionClient struct {
	client *Client
	query  string
	config *SubscriptionConfig
	logger *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            SubState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector

	onResultSet   func(trips []Trip, raw []byte)
	onSession     func(Session)
	onStreamError func(error)
}

// NewSubscriptionClient creates a subscription on the given query.
// config and logger may be nil.
func NewSubscriptionClient(client *Client, query string, config *SubscriptionConfig, logger *zap.Logger) *SubscriptionClient {
	if config == nil {
		config = &SubscriptionConfig{AutoReconnect: true}
	}
	config.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionClient{
		client: client,
		query:  query,
		config: config,
		logger: logger.With(zap.String("query", query)),
		state:  SubDisconnected,
		recon:  newReconnector(config),
	}
}

// OnResultSet registers the handler for result-set deliveries. raw is the
// trips payload as received, for change detection by the caller.
func (s *SubscriptionClient) OnResultSet(h func(trips []Trip, raw []byte)) {
	s.mu.Lock()
	s.onResultSet = h
	s.mu.Unlock()
}

// OnSession registers the handler for pushed user-document updates.
func (s *SubscriptionClient) OnSession(h func(Session)) {
	s.mu.Lock()
	s.onSession = h
	s.mu.Unlock()
}

// OnStreamError registers the handler invoked when the subscription fails
// and cannot (or will not) reconnect.
func (s *SubscriptionClient) OnStreamError(h func(error)) {
	s.mu.Lock()
	s.onStreamError = h
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *SubscriptionClient) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the subscription and waits for the authenticated envelope
// before starting delivery.
func (s *SubscriptionClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SubConnected || s.state == SubConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = SubConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.client.SubscribeURL(s.query), nil)
	if err != nil {
		s.setState(SubDisconnected)
		return fmt.Errorf("subscription dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(SubDisconnected)
		return fmt.Errorf("read auth envelope: %w", err)
	}
	var env subscriptionEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(SubDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.state = SubConnected
	s.cancelFn = cancel
	s.mu.Unlock()
	s.recon.markConnected()
	s.logger.Debug("subscription established")

	go s.readLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the subscription.
func (s *SubscriptionClient) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = SubDisconnected
	s.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (s *SubscriptionClient) setState(state SubState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *SubscriptionClient) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			s.state = SubDisconnected
			s.conn = nil
			s.mu.Unlock()
			if intentional {
				return
			}
			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect(ctx)
				return
			}
			s.emitError(fmt.Errorf("subscription lost: %w", err))
			return
		}

		var env subscriptionEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		s.dispatch(env)
	}
}

func (s *SubscriptionClient) dispatch(env subscriptionEnvelope) {
	s.mu.Lock()
	onResultSet := s.onResultSet
	onSession := s.onSession
	s.mu.Unlock()

	switch env.Type {
	case "resultSet":
		var trips []Trip
		if env.Trips != nil {
			if err := json.Unmarshal(env.Trips, &trips); err != nil {
				s.logger.Warn("undecodable result set dropped", zap.Error(err))
				return
			}
		}
		if onResultSet != nil {
			onResultSet(trips, env.Trips)
		}
	case "session":
		if env.Session != nil && onSession != nil {
			onSession(*env.Session)
		}
	case "error":
		s.emitError(fmt.Errorf("store error: %s", env.Message))
	}
}

func (s *SubscriptionClient) emitError(err error) {
	s.mu.Lock()
	h := s.onStreamError
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (s *SubscriptionClient) scheduleReconnect(ctx context.Context) {
	delay := s.recon.nextDelay()
	s.setState(SubReconnecting)
	s.logger.Info("subscription reconnecting",
		zap.Int("attempt", s.recon.attempt),
		zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		s.setState(SubDisconnected)
		return
	case <-time.After(delay):
	}

	if err := s.Connect(ctx); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(ctx)
			return
		}
		s.setState(SubDisconnected)
		s.emitError(fmt.Errorf("reconnect exhausted: %w", err))
	}
}

// ============================================================================
// Feed wiring
// ============================================================================

// Connect establishes the owned and collaborator subscriptions concurrently
// and routes their deliveries into the feed's two ports. Pushed session
// envelopes refresh the cached session through mgr. Both subscriptions must
// authenticate for Connect to succeed; afterwards each stream reconnects
// and fails independently.
func (f *TripFeed) Connect(ctx context.Context, client *Client, mgr *OfflineManager, config *SubscriptionConfig) (owned, shared *SubscriptionClient, err error) {
	owned = NewSubscriptionClient(client, QueryOwned, config, f.logger)
	shared = NewSubscriptionClient(client, QueryShared, config, f.logger)

	owned.OnResultSet(f.SetOwned)
	shared.OnResultSet(f.SetShared)
	owned.OnStreamError(f.SetOwnedError)
	shared.OnStreamError(f.SetSharedError)
	if mgr != nil {
		refresh := func(sess Session) {
			if serr := mgr.SaveSession(sess); serr != nil {
				f.logger.Warn("pushed session not cached", zap.Error(serr))
			}
		}
		owned.OnSession(refresh)
		shared.OnSession(refresh)
	}

	var g errgroup.Group
	g.Go(func() error { return owned.Connect(ctx) })
	g.Go(func() error { return shared.Connect(ctx) })
	if err := g.Wait(); err != nil {
		owned.Disconnect()
		shared.Disconnect()
		return nil, nil, err
	}
	return owned, shared, nil
}
