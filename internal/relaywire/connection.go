// Package relaywire implements the single-relay WebSocket lifecycle, the
// subscription-keyed handler registry, and the connection-set manager: the
// transport and frame router the sync workers drive the NIP-01/NIP-77
// protocol through.
package relaywire

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	"github.com/sandwichfarm/negsync/internal/negentropy"
	"github.com/sandwichfarm/negsync/internal/ops"
)

// State is one of the four lifecycle states a Connection can be in.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// ReconnectPolicy bounds the linear backoff a Connection applies after an
// unrequested close.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// ErrNotConnected is returned by any Send* method when the connection is
// not in StateConnected.
var ErrNotConnected = fmt.Errorf("relaywire: not connected")

// Connection represents a single relay WebSocket: state machine, bounded
// linear-backoff reconnect, resubscription of live subscriptions on reopen,
// and the inbound frame router.
type Connection struct {
	url    string
	policy ReconnectPolicy
	logger *ops.Logger

	registry *HandlerRegistry

	// onNegMsg/onNegErr let the owning Manager delegate NEG-MSG/NEG-ERR
	// frames to the registered reconciler without Connection importing the
	// Manager package.
	onNegMsg func(subID, hexMsg string)
	onNegErr func(subID, errStr string)

	// defaultEvent fires for EVENT frames whose sub id has no registered
	// per-sub handler.
	defaultEvent EventHandler

	mu    sync.Mutex
	ws    *websocket.Conn
	state State
	subs  map[string][]nostr.Filter // live subscriptions, resubscribed on reopen

	sendMu sync.Mutex

	reconnectAttempt int
	negUnsupported   bool // capability cache: first NEG-ERR/bad-protocol observation, reset on reconnect

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection constructs a Connection bound to url. It does not dial; call
// Connect to open the socket.
func NewConnection(url string, policy ReconnectPolicy, registry *HandlerRegistry, logger *ops.Logger) *Connection {
	return &Connection{
		url:      url,
		policy:   policy,
		logger:   logger,
		registry: registry,
		subs:     make(map[string][]nostr.Filter),
		state:    StateDisconnected,
	}
}

// SetDefaultEventHandler installs the fallback EVENT handler invoked when a
// frame's sub id has no per-subscription handler registered.
func (c *Connection) SetDefaultEventHandler(h EventHandler) {
	c.defaultEvent = h
}

// SetNegDelegates wires the Manager's NEG-MSG/NEG-ERR delegation callbacks.
func (c *Connection) SetNegDelegates(onMsg func(subID, hexMsg string), onErr func(subID, errStr string)) {
	c.onNegMsg = onMsg
	c.onNegErr = onErr
}

// URL returns the relay URL this connection targets.
func (c *Connection) URL() string { return c.url }

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NegSupported reports whether this relay is still a candidate for
// NEG-OPEN, i.e. it has not yet failed a reconciliation attempt with an
// unsupported-protocol or NEG-ERR response since the last reconnect.
func (c *Connection) NegSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.negUnsupported
}

func (c *Connection) markNegUnsupported() {
	c.mu.Lock()
	c.negUnsupported = true
	c.mu.Unlock()
}

// Connect dials the relay and starts the read loop in the background. It
// blocks until the handshake completes or fails.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.negUnsupported = false
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dialCancel()

	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.LogRelayConnection(c.url, false, err)
		}
		return fmt.Errorf("relaywire: dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(32 << 20)

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.reconnectAttempt = 0
	c.ctx = runCtx
	c.cancel = cancel
	subs := make(map[string][]nostr.Filter, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.LogRelayConnection(c.url, true, nil)
	}

	go c.readLoop(runCtx, ws)

	for subID, filters := range subs {
		if err := c.SendREQ(ctx, subID, filters...); err != nil && c.logger != nil {
			c.logger.Warn("failed to resubscribe after reconnect", "relay", c.url, "sub_id", subID, "error", err)
		}
	}

	return nil
}

// Close closes the connection deliberately: no reconnect is scheduled.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosing
	ws := c.ws
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws == nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}

	err := ws.Close(websocket.StatusNormalClosure, "closing")
	c.mu.Lock()
	c.state = StateDisconnected
	c.ws = nil
	c.mu.Unlock()
	return err
}

func (c *Connection) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleClose(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) handleClose(cause error) {
	c.mu.Lock()
	wasClosing := c.state == StateClosing
	c.state = StateDisconnected
	c.ws = nil
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.LogRelayConnection(c.url, false, cause)
	}
	if wasClosing {
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect applies the configured linear backoff
// (delay * attempt) up to MaxAttempts.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	c.reconnectAttempt++
	attempt := c.reconnectAttempt
	c.mu.Unlock()

	if c.policy.MaxAttempts > 0 && attempt > c.policy.MaxAttempts {
		if c.logger != nil {
			c.logger.Warn("giving up reconnect", "relay", c.url, "attempts", attempt-1)
		}
		return
	}

	delay := c.policy.Delay * time.Duration(attempt)
	go func() {
		time.Sleep(delay)
		if err := c.Connect(context.Background()); err != nil && c.logger != nil {
			c.logger.Warn("reconnect attempt failed", "relay", c.url, "attempt", attempt, "error", err)
		}
	}()
}

// dispatch sniffs the inbound JSON array's first element with gjson (to
// avoid a full decode before knowing the frame type) and routes it by frame
// type.
func (c *Connection) dispatch(data []byte) {
	frameType := gjson.GetBytes(data, "0").String()

	switch frameType {
	case "EVENT":
		c.dispatchEvent(data)
	case "EOSE":
		subID := gjson.GetBytes(data, "1").String()
		if h, ok := c.registry.ConsumeEOSE(subID); ok {
			h(subID)
		}
	case "OK":
		eventID := gjson.GetBytes(data, "1").String()
		accepted := gjson.GetBytes(data, "2").Bool()
		msg := gjson.GetBytes(data, "3").String()
		if h, ok := c.registry.ConsumeOK(eventID); ok {
			h(eventID, accepted, msg)
		}
	case "NEG-MSG":
		subID := gjson.GetBytes(data, "1").String()
		hexMsg := gjson.GetBytes(data, "2").String()
		if c.onNegMsg != nil {
			c.onNegMsg(subID, hexMsg)
		}
	case "NEG-ERR":
		subID := gjson.GetBytes(data, "1").String()
		errStr := gjson.GetBytes(data, "2").String()
		c.markNegUnsupported()
		if c.onNegErr != nil {
			c.onNegErr(subID, errStr)
		}
	case "CLOSED":
		subID := gjson.GetBytes(data, "1").String()
		c.registry.UnregisterEvent(subID)
		c.registry.UnregisterNeg(subID)
	case "NOTICE":
		if c.logger != nil {
			c.logger.Info("relay notice", "relay", c.url, "message", gjson.GetBytes(data, "1").String())
		}
	case "AUTH":
		if c.logger != nil {
			c.logger.Debug("AUTH challenge ignored (NIP-42 not implemented)", "relay", c.url)
		}
	default:
		if c.logger != nil {
			c.logger.Debug("dropping frame with unrecognized type", "relay", c.url, "type", frameType)
		}
	}
}

func (c *Connection) dispatchEvent(data []byte) {
	subID := gjson.GetBytes(data, "1").String()

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) < 3 {
		if c.logger != nil {
			c.logger.Warn("malformed EVENT frame", "relay", c.url)
		}
		return
	}
	var evt nostr.Event
	if err := json.Unmarshal(arr[2], &evt); err != nil {
		if c.logger != nil {
			c.logger.Warn("malformed event payload", "relay", c.url, "error", err)
		}
		return
	}

	if h, ok := c.registry.Event(subID); ok {
		h(subID, &evt)
		return
	}
	if c.defaultEvent != nil {
		c.defaultEvent(subID, &evt)
	}
}

// send marshals frame and writes it, serialized behind sendMu so concurrent
// callers never interleave partial frames.
func (c *Connection) send(ctx context.Context, frame []any) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	ws := c.ws
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relaywire: encode frame: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return ws.Write(ctx, websocket.MessageText, data)
}

// SendREQ opens (or updates) a subscription and remembers its filters so a
// future reconnect can resubscribe it.
func (c *Connection) SendREQ(ctx context.Context, subID string, filters ...nostr.Filter) error {
	c.mu.Lock()
	c.subs[subID] = filters
	c.mu.Unlock()

	frame := make([]any, 0, len(filters)+2)
	frame = append(frame, "REQ", subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return c.send(ctx, frame)
}

// SendCLOSE ends a subscription and forgets it for resubscription purposes.
func (c *Connection) SendCLOSE(ctx context.Context, subID string) error {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
	return c.send(ctx, []any{"CLOSE", subID})
}

// SendEVENT publishes event.
func (c *Connection) SendEVENT(ctx context.Context, event *nostr.Event) error {
	return c.send(ctx, []any{"EVENT", event})
}

// SendNegOpen starts a NIP-77 reconciliation for subID.
func (c *Connection) SendNegOpen(ctx context.Context, subID string, filter nostr.Filter, initialMsg negentropy.Message) error {
	return c.send(ctx, []any{"NEG-OPEN", subID, filter, hex.EncodeToString(initialMsg.Encode())})
}

// SendNegMsg continues a NIP-77 reconciliation for subID.
func (c *Connection) SendNegMsg(ctx context.Context, subID string, msg negentropy.Message) error {
	return c.send(ctx, []any{"NEG-MSG", subID, hex.EncodeToString(msg.Encode())})
}

// SendNegClose ends a NIP-77 reconciliation for subID.
func (c *Connection) SendNegClose(ctx context.Context, subID string) error {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
	return c.send(ctx, []any{"NEG-CLOSE", subID})
}
