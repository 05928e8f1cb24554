package relaywire

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sandwichfarm/negsync/internal/negentropy"
	"github.com/sandwichfarm/negsync/internal/ops"
)

// Manager owns the relay_url -> Connection map: it creates connections
// lazily, surfaces their status, and delegates every inbound NEG-MSG to the
// reconciler registered for that subscription.
type Manager struct {
	mu     sync.Mutex
	conns  map[string]*Connection
	policy ReconnectPolicy
	logger *ops.Logger
}

// NewManager returns an empty Manager. policy is applied to every
// connection it creates.
func NewManager(policy ReconnectPolicy, logger *ops.Logger) *Manager {
	return &Manager{
		conns:  make(map[string]*Connection),
		policy: policy,
		logger: logger,
	}
}

// AddConnection creates and connects a Connection for url if one does not
// already exist, returning the (possibly pre-existing) connection.
func (m *Manager) AddConnection(ctx context.Context, url string) (*Connection, error) {
	m.mu.Lock()
	if existing, ok := m.conns[url]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	registry := NewHandlerRegistry()
	conn := NewConnection(url, m.policy, registry, m.logger)
	conn.SetNegDelegates(
		func(subID, hexMsg string) { m.handleNegMsg(conn, subID, hexMsg) },
		func(subID, errStr string) { m.handleNegErr(conn, subID, errStr) },
	)
	m.conns[url] = conn
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return conn, err
	}
	return conn, nil
}

// ConnectionFor returns the existing connection for url, if any, without
// creating or connecting it.
func (m *Manager) ConnectionFor(url string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[url]
	return c, ok
}

// Registry returns the handler registry backing url's connection, creating
// the connection first if necessary.
func (m *Manager) Registry(ctx context.Context, url string) (*HandlerRegistry, error) {
	conn, err := m.AddConnection(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn.registry, nil
}

// Close closes every managed connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleNegMsg decodes the incoming hex message, steps the registered
// reconciler, and sends back NEG-MSG (more work to do) or NEG-CLOSE
// (converged). Any failure sends NEG-CLOSE and cleans up rather than
// leaving a half-open reconciliation.
func (m *Manager) handleNegMsg(conn *Connection, subID, hexMsg string) {
	entry, ok := conn.registry.Neg(subID)
	if !ok {
		return
	}

	raw, err := hex.DecodeString(hexMsg)
	if err != nil {
		conn.markNegUnsupported()
		m.abortNeg(conn, subID, entry, fmt.Errorf("relaywire: bad NEG-MSG hex: %w", err))
		return
	}
	incoming, err := negentropy.DecodeMessage(raw)
	if err != nil {
		conn.markNegUnsupported()
		m.abortNeg(conn, subID, entry, fmt.Errorf("relaywire: decode NEG-MSG: %w", err))
		return
	}

	result, err := entry.Reconciler.Reconcile(incoming)
	if err != nil {
		m.abortNeg(conn, subID, entry, fmt.Errorf("relaywire: reconcile: %w", err))
		return
	}

	if entry.OnProgress != nil && (len(result.HaveIDs) > 0 || len(result.NeedIDs) > 0) {
		entry.OnProgress(result.HaveIDs, result.NeedIDs)
	}

	if result.Overflow && m.logger != nil {
		m.logger.Warn("negentropy response exceeds frame budget", "relay", conn.URL(), "sub_id", subID)
	}

	if result.Done {
		conn.registry.UnregisterNeg(subID)
		_ = conn.SendNegClose(context.Background(), subID)
		if entry.OnDone != nil {
			entry.OnDone(entry.Reconciler.HaveIDs(), entry.Reconciler.NeedIDs())
		}
		return
	}

	if err := conn.SendNegMsg(context.Background(), subID, *result.Response); err != nil {
		m.abortNeg(conn, subID, entry, fmt.Errorf("relaywire: send NEG-MSG: %w", err))
	}
}

func (m *Manager) handleNegErr(conn *Connection, subID, errStr string) {
	entry, ok := conn.registry.Neg(subID)
	if !ok {
		return
	}
	conn.registry.UnregisterNeg(subID)
	if entry.OnError != nil {
		entry.OnError(fmt.Errorf("relaywire: NEG-ERR from %s: %s", conn.URL(), errStr))
	}
}

func (m *Manager) abortNeg(conn *Connection, subID string, entry *NegEntry, err error) {
	conn.registry.UnregisterNeg(subID)
	_ = conn.SendNegClose(context.Background(), subID)
	if m.logger != nil {
		m.logger.Warn("negentropy reconciliation aborted", "relay", conn.URL(), "sub_id", subID, "error", err)
	}
	if entry.OnError != nil {
		entry.OnError(err)
	}
}
