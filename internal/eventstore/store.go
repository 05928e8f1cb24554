// Package eventstore adapts a khatru-compatible event repository to the
// upsert/exists?/scan/id_count_in_range collaborator the sync engine treats
// as an external, out-of-scope durable store.
package eventstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/negsync/internal/config"
)

// Store wraps a khatru relay's storage handler arrays behind the
// repository shape the Negentropy and Polling workers need: upsert,
// existence checks, ordered scans, and id counts over a time range.
type Store struct {
	relay *khatru.Relay
	db    *sqlite3.SQLite3Backend
}

// New opens (creating if necessary) the sqlite-backed event store at
// cfg.SQLitePath and wires it into a khatru relay's handler arrays.
func New(ctx context.Context, cfg *config.Storage) (*Store, error) {
	if cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	db := &sqlite3.SQLite3Backend{DatabaseURL: cfg.SQLitePath}
	if err := db.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite event store: %w", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, db.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, db.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, db.DeleteEvent)
	relay.CountEvents = append(relay.CountEvents, db.CountEvents)

	return &Store{relay: relay, db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// ErrDuplicate is returned by Upsert when the event id already exists in
// the store. Callers treat this the same as a successful, idempotent write.
var ErrDuplicate = fmt.Errorf("event already exists")

// Upsert stores event, returning ErrDuplicate if an identical id is already
// present rather than failing the caller's batch.
func (s *Store) Upsert(ctx context.Context, event *nostr.Event) error {
	exists, err := s.Exists(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("failed to check existence before upsert: %w", err)
	}
	if exists {
		return ErrDuplicate
	}

	for _, handler := range s.relay.StoreEvent {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
	}
	return nil
}

// Exists reports whether an event with the given id is already stored.
func (s *Store) Exists(ctx context.Context, eventID string) (bool, error) {
	events, err := s.Scan(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// Scan runs filter against the store and returns matching events ordered
// oldest-first by (created_at, id) — the order the Negentropy worker's
// sealed Storage requires when building its sorted item view.
func (s *Store) Scan(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})

	return events, nil
}

// IDCountInRange returns the number of events with created_at in
// [lower, upper]. Both ends are inclusive, following the Since/Until
// semantics of nostr.Filter.
func (s *Store) IDCountInRange(ctx context.Context, lower, upper nostr.Timestamp) (int64, error) {
	if len(s.relay.CountEvents) == 0 {
		events, err := s.Scan(ctx, nostr.Filter{Since: &lower, Until: &upper})
		if err != nil {
			return 0, err
		}
		return int64(len(events)), nil
	}

	count, err := s.relay.CountEvents[0](ctx, nostr.Filter{Since: &lower, Until: &upper})
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Delete removes an event by id. Deleting an id that is not stored is a
// no-op.
func (s *Store) Delete(ctx context.Context, eventID string) error {
	events, err := s.Scan(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return fmt.Errorf("failed to query event before delete: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, events[0]); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return nil
}
