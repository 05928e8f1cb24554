package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/negsync/internal/eventstore"
	"github.com/sandwichfarm/negsync/internal/ops"
)

// IngestOutcome reports what ProcessEvent did with an inbound event.
type IngestOutcome struct {
	Skipped bool
	Reason  string // "duplicate" | "invalid" | "expired"
}

// ProcessEvent runs the ingestion pipeline for one inbound event: validate,
// upsert, optional broadcast (the caller has already decoded the wire JSON
// into event). Broadcast is disabled during historical backfill and enabled
// during realtime polling so connected consumers see live events.
func ProcessEvent(ctx context.Context, store *eventstore.Store, broadcaster *Broadcaster, logger *ops.Logger, event *nostr.Event, sourceRelay string, broadcast bool) (IngestOutcome, error) {
	if reason, err := validateEvent(event); err != nil {
		if logger != nil {
			logger.Warn("dropping invalid event", "event_id", event.ID, "relay", sourceRelay, "reason", reason, "error", err)
		}
		return IngestOutcome{Skipped: true, Reason: reason}, nil
	}

	if err := store.Upsert(ctx, event); err != nil {
		if errors.Is(err, eventstore.ErrDuplicate) {
			return IngestOutcome{Skipped: true, Reason: "duplicate"}, nil
		}
		return IngestOutcome{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if broadcast && broadcaster != nil {
		broadcaster.Publish(ctx, event)
	}

	return IngestOutcome{}, nil
}

// validateEvent checks the event's signature and NIP-40 expiration. A
// signature failure or schema defect is reported as "invalid"; an elapsed
// NIP-40 "expiration" tag is reported as "expired". Both are
// ErrValidation-classified: drop and log, never propagate to the worker's
// error path.
func validateEvent(event *nostr.Event) (string, error) {
	if event.ID == "" || event.PubKey == "" || event.Sig == "" {
		return "invalid", fmt.Errorf("%w: missing id/pubkey/sig", ErrValidation)
	}

	ok, err := event.CheckSignature()
	if err != nil {
		return "invalid", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !ok {
		return "invalid", fmt.Errorf("%w: signature verification failed", ErrValidation)
	}

	if tag := event.Tags.GetFirst(nostr.Tag{"expiration"}); tag != nil && len(*tag) > 1 {
		var expiresAt int64
		if _, scanErr := fmt.Sscanf((*tag)[1], "%d", &expiresAt); scanErr == nil && expiresAt > 0 {
			if time.Now().Unix() >= expiresAt {
				return "expired", fmt.Errorf("%w: event expired at %d", ErrValidation, expiresAt)
			}
		}
	}

	return "", nil
}

// MatchesKindAllowlist reports whether kind passes the configured
// event_kinds allowlist (empty allowlist matches everything).
func MatchesKindAllowlist(kind int, allowlist []int) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, k := range allowlist {
		if k == kind {
			return true
		}
	}
	return false
}
