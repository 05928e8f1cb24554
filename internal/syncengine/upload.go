package syncengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/eventstore"
	"github.com/sandwichfarm/negsync/internal/ops"
	"github.com/sandwichfarm/negsync/internal/relaywire"
	"github.com/sandwichfarm/negsync/internal/syncstate"
)

// okClass classifies an OK response's accepted flag and message prefix.
// Many relays omit the message entirely on success, so an empty message
// with accepted=true counts as success.
type okClass int

const (
	okSuccess okClass = iota
	okDuplicate
	okRateLimited
	okBlocked
	okFailed
)

type publishOutcome struct {
	class   okClass
	message string
}

func classifyOK(accepted bool, message string) publishOutcome {
	switch {
	case strings.HasPrefix(message, "duplicate:"):
		return publishOutcome{class: okDuplicate, message: message}
	case strings.HasPrefix(message, "rate-limited:"):
		return publishOutcome{class: okRateLimited, message: message}
	case strings.HasPrefix(message, "blocked:"), strings.HasPrefix(message, "restricted:"), strings.HasPrefix(message, "auth-required:"):
		return publishOutcome{class: okBlocked, message: message}
	case strings.HasPrefix(message, "invalid:"), strings.HasPrefix(message, "error:"), strings.HasPrefix(message, "pow:"):
		return publishOutcome{class: okFailed, message: message}
	case message == "" && accepted:
		return publishOutcome{class: okSuccess}
	case accepted:
		return publishOutcome{class: okSuccess, message: message}
	default:
		return publishOutcome{class: okFailed, message: message}
	}
}

// UploadWorker publishes locally-held events newer than the relay's upload
// cursor. It runs from an upload dispatch or when the Negentropy worker
// finds the peer lacks events; in both cases it publishes from the cursor
// and does not receive the ids reconciliation discovered.
type UploadWorker struct {
	relays *relaywire.Manager
	states *syncstate.Repository
	store  *eventstore.Store
	cfg    *config.SyncConfig
	logger *ops.Logger
}

// NewUploadWorker constructs an Upload worker.
func NewUploadWorker(relays *relaywire.Manager, states *syncstate.Repository, store *eventstore.Store, cfg *config.SyncConfig, logger *ops.Logger) *UploadWorker {
	return &UploadWorker{relays: relays, states: states, store: store, cfg: cfg, logger: logger}
}

// Run executes one upload batch for relayURL, applying the same skip/stale
// rules as the download workers and advancing the upload cursor on
// success.
func (w *UploadWorker) Run(ctx context.Context, relayURL string) error {
	state, err := w.states.ForUpload(ctx, relayURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	staleThreshold := time.Duration(w.cfg.StaleThresholdMinutes) * time.Minute
	if state.Status == syncstate.StatusSyncing && !state.Stale(staleThreshold) {
		return nil
	}
	if state.Stale(staleThreshold) {
		if err := state.ResetToIdle(); err != nil {
			return err
		}
	}

	statusHandled := false
	defer func() {
		if !statusHandled && state.Status == syncstate.StatusSyncing {
			_ = state.ResetToIdle()
			_ = w.states.Save(ctx, state)
		}
	}()

	if err := state.MarkSyncing(); err != nil {
		return err
	}
	if err := w.states.Save(ctx, state); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	since := nostr.Timestamp(state.LastUploadTimestamp)
	events, err := w.store.Scan(ctx, nostr.Filter{Since: &since, Limit: w.cfg.UploadBatchSize})
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	pending := make([]*nostr.Event, 0, len(events))
	for _, event := range events {
		if int64(event.CreatedAt) > state.LastUploadTimestamp || event.ID != state.LastUploadEventID {
			pending = append(pending, event)
		}
	}

	if len(pending) == 0 {
		_ = state.MarkCompleted(true)
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return nil
	}

	conn, err := w.relays.AddConnection(ctx, relayURL)
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	reg, err := w.relays.Registry(ctx, relayURL)
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	var failures []string
	successCount := 0
	var lastID string
	var lastTS int64

	for i, event := range pending {
		if i > 0 && w.cfg.UploadDelayMs > 0 {
			time.Sleep(time.Duration(w.cfg.UploadDelayMs) * time.Millisecond)
		}

		outcome := w.publishOne(ctx, conn, reg, event)
		if outcome.class == okRateLimited {
			time.Sleep(time.Duration(w.cfg.UploadDelayMs*5) * time.Millisecond)
			outcome = w.publishOne(ctx, conn, reg, event)
		}

		switch outcome.class {
		case okSuccess, okDuplicate:
			successCount++
			lastID, lastTS = event.ID, int64(event.CreatedAt)
		default:
			failures = append(failures, fmt.Sprintf("%s: %s", event.ID, outcome.message))
		}
	}

	if successCount > 0 {
		state.MarkUploadProgress(lastID, lastTS, successCount)
	}

	if len(failures) > 0 {
		state.MarkError(strings.Join(failures, "; "))
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %d of %d events failed to publish to %s", ErrValidation, len(failures), len(pending), relayURL)
	}

	_ = state.MarkCompleted(true)
	if err := w.states.Save(ctx, state); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	statusHandled = true
	return nil
}

// publishOne sends event and waits for its OK response or a timeout.
func (w *UploadWorker) publishOne(ctx context.Context, conn *relaywire.Connection, reg *relaywire.HandlerRegistry, event *nostr.Event) publishOutcome {
	resultCh := make(chan publishOutcome, 1)
	reg.RegisterOK(event.ID, func(_ string, accepted bool, message string) {
		resultCh <- classifyOK(accepted, message)
	})

	if err := conn.SendEVENT(ctx, event); err != nil {
		reg.ConsumeOK(event.ID)
		return publishOutcome{class: okFailed, message: err.Error()}
	}

	timeout := time.Duration(w.cfg.PollingTimeoutSeconds) * time.Second
	select {
	case res := <-resultCh:
		return res
	case <-time.After(timeout):
		reg.ConsumeOK(event.ID)
		return publishOutcome{class: okFailed, message: "timed out waiting for OK"}
	case <-ctx.Done():
		reg.ConsumeOK(event.ID)
		return publishOutcome{class: okFailed, message: ctx.Err().Error()}
	}
}
