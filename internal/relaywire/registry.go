package relaywire

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/negsync/internal/negentropy"
)

// EventHandler receives an EVENT frame for a live subscription.
type EventHandler func(subID string, event *nostr.Event)

// EOSEHandler fires once when a subscription's historical backlog has been
// delivered. Consume-style: it is removed after firing.
type EOSEHandler func(subID string)

// OKHandler fires once per published event id. Consume-style: removed
// after firing.
type OKHandler func(eventID string, accepted bool, message string)

// NegEntry is the state the registry holds per open NEG-OPEN subscription:
// the reconciler driving this chunk plus the worker's progress/error
// callbacks. Persistent: callers explicitly Unregister when the
// reconciliation concludes (success, NEG-ERR, or timeout).
type NegEntry struct {
	Reconciler *negentropy.Reconciler
	OnProgress func(haveIDs, needIDs [][negentropy.IDSize]byte)
	OnDone     func(haveIDs, needIDs [][negentropy.IDSize]byte)
	OnError    func(err error)
}

// HandlerRegistry is the subscription-id-keyed (and, for OK, event-id-keyed)
// callback table. A single lock guards all four tables; callers never hold
// the lock while invoking a stored callback — lookups return the callback
// and the registry consumes it under the lock, then the caller invokes it
// unlocked.
type HandlerRegistry struct {
	mu sync.Mutex

	event map[string]EventHandler
	eose  map[string]EOSEHandler
	ok    map[string]OKHandler
	neg   map[string]*NegEntry
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		event: make(map[string]EventHandler),
		eose:  make(map[string]EOSEHandler),
		ok:    make(map[string]OKHandler),
		neg:   make(map[string]*NegEntry),
	}
}

// RegisterEvent installs a persistent EVENT handler for subID.
func (r *HandlerRegistry) RegisterEvent(subID string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.event[subID] = h
}

// UnregisterEvent removes subID's EVENT handler, if any.
func (r *HandlerRegistry) UnregisterEvent(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.event, subID)
}

// Event looks up subID's EVENT handler without consuming it.
func (r *HandlerRegistry) Event(subID string) (EventHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.event[subID]
	return h, ok
}

// RegisterEOSE installs a one-shot EOSE handler for subID.
func (r *HandlerRegistry) RegisterEOSE(subID string, h EOSEHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eose[subID] = h
}

// ConsumeEOSE pops subID's EOSE handler, if one is registered.
func (r *HandlerRegistry) ConsumeEOSE(subID string) (EOSEHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.eose[subID]
	if ok {
		delete(r.eose, subID)
	}
	return h, ok
}

// RegisterOK installs a one-shot OK handler for eventID.
func (r *HandlerRegistry) RegisterOK(eventID string, h OKHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ok[eventID] = h
}

// ConsumeOK pops eventID's OK handler, if one is registered.
func (r *HandlerRegistry) ConsumeOK(eventID string) (OKHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.ok[eventID]
	if ok {
		delete(r.ok, eventID)
	}
	return h, ok
}

// RegisterNeg installs a persistent NEG entry for subID.
func (r *HandlerRegistry) RegisterNeg(subID string, entry *NegEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.neg[subID] = entry
}

// UnregisterNeg removes subID's NEG entry, if any.
func (r *HandlerRegistry) UnregisterNeg(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.neg, subID)
}

// Neg looks up subID's NEG entry without consuming it.
func (r *HandlerRegistry) Neg(subID string) (*NegEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.neg[subID]
	return e, ok
}
