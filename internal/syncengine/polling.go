package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/eventstore"
	"github.com/sandwichfarm/negsync/internal/ops"
	"github.com/sandwichfarm/negsync/internal/relaywire"
	"github.com/sandwichfarm/negsync/internal/syncstate"
)

// PollingMode selects which of the two REQ/EOSE-driven catch-up modes a
// job runs.
type PollingMode string

const (
	PollingRealtime PollingMode = "realtime"
	PollingBackfill PollingMode = "backfill"
)

// PollingJob describes one dispatch of the Polling worker.
type PollingJob struct {
	RelayURL       string
	Direction      syncstate.Direction
	Filter         nostr.Filter
	Mode           PollingMode
	BackfillTarget int64 // unix seconds; only meaningful for PollingBackfill
	Continuation   bool
}

// PollingWorker drives REQ/EOSE-based catch-up: realtime polling with a
// resumed cursor, and chunked historical backfill.
type PollingWorker struct {
	relays      *relaywire.Manager
	states      *syncstate.Repository
	store       *eventstore.Store
	broadcaster *Broadcaster
	cfg         *config.SyncConfig
	logger      *ops.Logger

	// reschedule lets a backfill chunk enqueue its own continuation without
	// the worker depending on the Orchestrator directly.
	reschedule func(PollingJob)
}

// NewPollingWorker constructs a Polling worker.
func NewPollingWorker(relays *relaywire.Manager, states *syncstate.Repository, store *eventstore.Store, broadcaster *Broadcaster, cfg *config.SyncConfig, logger *ops.Logger) *PollingWorker {
	return &PollingWorker{relays: relays, states: states, store: store, broadcaster: broadcaster, cfg: cfg, logger: logger}
}

// SetReschedule wires the callback used to self-enqueue a continuation
// backfill chunk.
func (w *PollingWorker) SetReschedule(fn func(PollingJob)) {
	w.reschedule = fn
}

// Run executes one polling dispatch, applying the skip/stale rules before
// branching by mode.
func (w *PollingWorker) Run(ctx context.Context, job PollingJob) error {
	state, err := w.states.ForSync(ctx, job.RelayURL, job.Direction, job.Filter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	staleThreshold := time.Duration(w.cfg.StaleThresholdMinutes) * time.Minute
	if state.Status == syncstate.StatusSyncing && !state.Stale(staleThreshold) && !job.Continuation {
		return nil
	}
	if state.Stale(staleThreshold) {
		if err := state.ResetToIdle(); err != nil {
			return err
		}
		if err := w.states.Save(ctx, state); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	switch job.Mode {
	case PollingRealtime:
		return w.runRealtime(ctx, job, state)
	case PollingBackfill:
		return w.runBackfill(ctx, job, state)
	default:
		return fmt.Errorf("%w: unknown polling mode %q", ErrProtocol, job.Mode)
	}
}

func (w *PollingWorker) runRealtime(ctx context.Context, job PollingJob, state *syncstate.SyncState) error {
	if state.Status != syncstate.StatusSyncing {
		if err := state.MarkSyncing(); err != nil {
			return err
		}
		if err := w.states.Save(ctx, state); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	// Unconditional finalizer: the realtime branch always returns the row
	// to idle on exit, success or not.
	defer func() {
		if state.Status == syncstate.StatusSyncing {
			_ = state.ResetToIdle()
			_ = w.states.Save(ctx, state)
		}
	}()

	fallbackSince := time.Now().Add(-time.Duration(w.cfg.PollingWindowMinutes) * time.Minute).Unix()
	filter := state.ResumeFilter(job.Filter, fallbackSince, w.cfg.ResumeOverlapSeconds)

	conn, err := w.relays.AddConnection(ctx, job.RelayURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	reg, err := w.relays.Registry(ctx, job.RelayURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	subID := nextSubID("poll")
	doneCh := make(chan struct{})
	var once sync.Once

	eventsSinceCheckpoint := 0
	var lastID string
	var lastTS int64

	reg.RegisterEvent(subID, func(_ string, event *nostr.Event) {
		outcome, err := ProcessEvent(ctx, w.store, w.broadcaster, w.logger, event, job.RelayURL, true)
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("ingest failed during realtime poll", "relay", job.RelayURL, "event_id", event.ID, "error", err)
			}
			return
		}
		if outcome.Skipped {
			return
		}
		lastID, lastTS = event.ID, int64(event.CreatedAt)
		eventsSinceCheckpoint++
		if eventsSinceCheckpoint >= w.cfg.CheckpointInterval {
			state.MarkDownloadProgress(lastID, lastTS, eventsSinceCheckpoint)
			_ = w.states.Save(ctx, state)
			if w.logger != nil {
				w.logger.LogSyncProgress(job.RelayURL, state.FilterHash, eventsSinceCheckpoint, lastTS)
			}
			eventsSinceCheckpoint = 0
		}
	})
	reg.RegisterEOSE(subID, func(string) { once.Do(func() { close(doneCh) }) })

	defer func() {
		_ = conn.SendCLOSE(ctx, subID)
		reg.UnregisterEvent(subID)
		if eventsSinceCheckpoint > 0 {
			state.MarkDownloadProgress(lastID, lastTS, eventsSinceCheckpoint)
			_ = w.states.Save(ctx, state)
		}
	}()

	if err := conn.SendREQ(ctx, subID, filter); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	timeout := time.Duration(w.cfg.PollingTimeoutSeconds) * time.Second
	select {
	case <-doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: realtime poll on %s", ErrSyncTimeout, job.RelayURL)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *PollingWorker) runBackfill(ctx context.Context, job PollingJob, state *syncstate.SyncState) error {
	statusHandled := false
	defer func() {
		if !statusHandled && state.Status == syncstate.StatusSyncing {
			_ = state.ResetToIdle()
			_ = w.states.Save(ctx, state)
		}
	}()

	if state.Status != syncstate.StatusSyncing {
		if err := state.MarkSyncing(); err != nil {
			return err
		}
	}
	state.InitializeBackfill(job.BackfillTarget)
	if err := w.states.Save(ctx, state); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if state.BackfillComplete() {
		_ = state.MarkCompleted(true)
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return nil
	}

	chunk := state.NextBackfillChunk(w.cfg.PollingChunkHours)
	if chunk == nil {
		_ = state.MarkCompleted(true)
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return nil
	}

	conn, err := w.relays.AddConnection(ctx, job.RelayURL)
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	reg, err := w.relays.Registry(ctx, job.RelayURL)
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	since := nostr.Timestamp(chunk.Since)
	until := nostr.Timestamp(chunk.Until)
	filter := job.Filter
	filter.Since = &since
	filter.Until = &until

	subID := nextSubID("backfill")
	doneCh := make(chan struct{})
	var once sync.Once

	eventCount := 0
	var lastID string
	var lastTS int64

	reg.RegisterEvent(subID, func(_ string, event *nostr.Event) {
		outcome, err := ProcessEvent(ctx, w.store, w.broadcaster, w.logger, event, job.RelayURL, false)
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("ingest failed during backfill chunk", "relay", job.RelayURL, "event_id", event.ID, "error", err)
			}
			return
		}
		if outcome.Skipped {
			return
		}
		eventCount++
		lastID, lastTS = event.ID, int64(event.CreatedAt)
	})
	reg.RegisterEOSE(subID, func(string) { once.Do(func() { close(doneCh) }) })

	if err := conn.SendREQ(ctx, subID, filter); err != nil {
		reg.UnregisterEvent(subID)
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	timeout := time.Duration(w.cfg.PollingTimeoutSeconds) * time.Second
	select {
	case <-doneCh:
	case <-time.After(timeout):
		_ = conn.SendCLOSE(ctx, subID)
		reg.UnregisterEvent(subID)
		state.MarkError(fmt.Sprintf("backfill chunk %d-%d timed out waiting for EOSE", chunk.Since, chunk.Until))
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: backfill chunk %d-%d on %s", ErrSyncTimeout, chunk.Since, chunk.Until, job.RelayURL)
	case <-ctx.Done():
		_ = conn.SendCLOSE(ctx, subID)
		reg.UnregisterEvent(subID)
		return ctx.Err()
	}

	_ = conn.SendCLOSE(ctx, subID)
	reg.UnregisterEvent(subID)

	if eventCount > 0 {
		state.MarkDownloadProgress(lastID, lastTS, eventCount)
	}
	state.MarkBackfillChunkCompleted(chunk.Since)

	if state.BackfillComplete() {
		_ = state.MarkCompleted(true)
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return nil
	}

	if err := w.states.Save(ctx, state); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	// Status intentionally stays syncing across continuations.
	statusHandled = true
	if w.reschedule != nil {
		next := job
		next.Continuation = true
		w.reschedule(next)
	}
	return nil
}
