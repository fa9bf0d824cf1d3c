package subscription

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/veldt-labs/tokenhall/internal/domain"
	apperrors "github.com/veldt-labs/tokenhall/internal/platform/errors"
	"github.com/veldt-labs/tokenhall/internal/platform/id"
	"github.com/veldt-labs/tokenhall/internal/platform/timeouts"
	"github.com/veldt-labs/tokenhall/internal/transport"
)

// Scope identifies one logical stream. Subscribing twice to the same scope
// replaces the earlier stream; there is never more than one live stream per
// scope.
type Scope struct {
	Table     domain.Table
	ServerID  string
	ChannelID string
}

// Hooks are the callbacks a stream drives. Both receive the stream's
// context; once the stream is torn down the context is cancelled and any
// in-flight result must be discarded by the callee.
type Hooks struct {
	// Apply folds one push event into local state and notifies listeners.
	// Events are hints, not deltas to trust blindly: Apply patches from the
	// full row payload carried by the event.
	Apply func(ctx context.Context, event domain.Event)
	// Resync fetches a full snapshot and writes it through the same path
	// Apply uses. It runs on every successful connect and on each heartbeat
	// tick, so a dropped event is corrected within one heartbeat interval.
	Resync func(ctx context.Context) error
}

// Manager owns push subscriptions: one goroutine per scope driving
// connect, event delivery, heartbeat resync, and fixed-delay reconnect
// with a fresh stream id per attempt.
type Manager struct {
	conn      transport.PushConn
	heartbeat time.Duration
	reconnect time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[Scope]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager over the given push transport.
func NewManager(conn transport.PushConn) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		conn:      conn,
		heartbeat: timeouts.Heartbeat,
		reconnect: timeouts.Reconnect,
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[Scope]context.CancelFunc),
	}
}

// SetIntervals overrides the heartbeat and reconnect delays. Tests use short
// intervals; zero values keep the current setting.
func (m *Manager) SetIntervals(heartbeat, reconnect time.Duration) {
	if heartbeat > 0 {
		m.heartbeat = heartbeat
	}
	if reconnect > 0 {
		m.reconnect = reconnect
	}
}

// Subscribe starts a stream for the scope. An existing stream for the same
// scope is torn down first.
func (m *Manager) Subscribe(scope Scope, hooks Hooks) error {
	if m == nil || m.conn == nil {
		return apperrors.New(apperrors.CodeUnknown, "push transport is not configured")
	}
	if err := scope.validate(); err != nil {
		return err
	}
	if hooks.Apply == nil || hooks.Resync == nil {
		return apperrors.New(apperrors.CodeInvalid, "subscription hooks are required")
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return apperrors.New(apperrors.CodeUnknown, "subscription manager is closed")
	}
	if cancel, exists := m.streams[scope]; exists {
		cancel()
	}
	streamCtx, streamCancel := context.WithCancel(m.ctx)
	m.streams[scope] = streamCancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.run(streamCtx, scope, hooks)
	}()
	return nil
}

// Unsubscribe tears down the stream for the scope. Unknown scopes are a
// no-op, so callers can release unconditionally.
func (m *Manager) Unsubscribe(scope Scope) {
	if m == nil {
		return
	}
	m.mu.Lock()
	cancel, exists := m.streams[scope]
	if exists {
		delete(m.streams, scope)
	}
	m.mu.Unlock()
	if exists {
		cancel()
	}
}

// Close tears down every stream and waits for their goroutines to exit.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.cancel()
	m.mu.Lock()
	for scope, cancel := range m.streams {
		cancel()
		delete(m.streams, scope)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Active reports whether a stream is live for the scope.
func (m *Manager) Active(scope Scope) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.streams[scope]
	return exists
}

func (s Scope) validate() error {
	if err := s.Table.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, "invalid subscription scope", err)
	}
	if strings.TrimSpace(s.ServerID) == "" {
		return apperrors.New(apperrors.CodeInvalid, "subscription scope requires a server id")
	}
	if (s.Table == domain.TableMessages || s.Table == domain.TablePosts) && strings.TrimSpace(s.ChannelID) == "" {
		return apperrors.New(apperrors.CodeInvalid, "subscription scope requires a channel id")
	}
	return nil
}

func (m *Manager) run(ctx context.Context, scope Scope, hooks Hooks) {
	heartbeatDone := m.startHeartbeat(ctx, scope, hooks)
	defer func() { <-heartbeatDone }()

	for ctx.Err() == nil {
		streamID, err := id.NewID()
		if err != nil {
			log.Printf("subscription: stream id generation failed err=%v", err)
			if !waitRetry(ctx, m.reconnect) {
				return
			}
			continue
		}
		source, err := m.conn.Subscribe(transport.PushSubscription{
			StreamID:  streamID,
			Table:     scope.Table,
			ServerID:  scope.ServerID,
			ChannelID: scope.ChannelID,
		})
		if err != nil {
			log.Printf("subscription: connect failed table=%q server=%q err=%v", scope.Table, scope.ServerID, err)
			if !waitRetry(ctx, m.reconnect) {
				return
			}
			continue
		}

		// A reconnect may have missed events; resync before trusting the
		// stream.
		if err := hooks.Resync(ctx); err != nil && ctx.Err() == nil {
			log.Printf("subscription: resync failed table=%q server=%q err=%v", scope.Table, scope.ServerID, err)
		}

		m.consume(ctx, source, hooks)
		_ = source.Close()

		if !waitRetry(ctx, m.reconnect) {
			return
		}
	}
}

func (m *Manager) consume(ctx context.Context, source transport.EventSource, hooks Hooks) {
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			_ = source.Close()
		case <-closed:
		}
	}()

	for {
		event, err := source.Next()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		hooks.Apply(ctx, event)
	}
}

func (m *Manager) startHeartbeat(ctx context.Context, scope Scope, hooks Hooks) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := hooks.Resync(ctx); err != nil && ctx.Err() == nil {
					log.Printf("subscription: heartbeat resync failed table=%q server=%q err=%v", scope.Table, scope.ServerID, err)
				}
			}
		}
	}()
	return done
}

func waitRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
