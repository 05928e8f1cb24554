package syncengine

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/eventstore"
	"github.com/sandwichfarm/negsync/internal/negentropy"
	"github.com/sandwichfarm/negsync/internal/ops"
	"github.com/sandwichfarm/negsync/internal/relaywire"
	"github.com/sandwichfarm/negsync/internal/syncstate"
)

// NegJob describes one dispatch of the Negentropy worker against one
// backfill chunk of a relay's filter.
type NegJob struct {
	RelayURL       string
	Direction      syncstate.Direction
	Filter         nostr.Filter
	BackfillTarget int64
}

// negResult carries the outcome of one reconciliation round back from the
// registry's NegEntry callbacks to the blocked Run goroutine.
type negResult struct {
	haveIDs [][negentropy.IDSize]byte
	needIDs [][negentropy.IDSize]byte
	err     error
}

// NegentropyWorker drives NIP-77 set reconciliation for one backfill chunk
// at a time, falling back to the Polling worker when a relay turns out not
// to support the protocol.
type NegentropyWorker struct {
	relays      *relaywire.Manager
	states      *syncstate.Repository
	store       *eventstore.Store
	broadcaster *Broadcaster
	cfg         *config.SyncConfig
	logger      *ops.Logger

	reschedule        func(NegJob)
	fallbackToPolling func(PollingJob)
	enqueueUpload     func(relayURL string)
}

// NewNegentropyWorker constructs a Negentropy worker.
func NewNegentropyWorker(relays *relaywire.Manager, states *syncstate.Repository, store *eventstore.Store, broadcaster *Broadcaster, cfg *config.SyncConfig, logger *ops.Logger) *NegentropyWorker {
	return &NegentropyWorker{relays: relays, states: states, store: store, broadcaster: broadcaster, cfg: cfg, logger: logger}
}

// SetReschedule wires the callback used to self-enqueue the next backfill
// chunk once the current one completes.
func (w *NegentropyWorker) SetReschedule(fn func(NegJob)) { w.reschedule = fn }

// SetFallbackToPolling wires the callback used to hand a chunk over to the
// Polling worker when NEG-OPEN is rejected or fails.
func (w *NegentropyWorker) SetFallbackToPolling(fn func(PollingJob)) { w.fallbackToPolling = fn }

// SetEnqueueUpload wires the callback used to kick off the Upload worker
// once reconciliation has discovered events the relay needs.
func (w *NegentropyWorker) SetEnqueueUpload(fn func(relayURL string)) { w.enqueueUpload = fn }

// Run executes one Negentropy backfill chunk: reconcile, fetch missing
// ids, trigger an upload pass for the relay when the peer lacks local ids,
// advance the frontier. The discovered ids themselves are not passed to the
// Upload worker; it publishes from its own upload cursor.
func (w *NegentropyWorker) Run(ctx context.Context, job NegJob) error {
	state, err := w.states.ForSync(ctx, job.RelayURL, job.Direction, job.Filter)
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

	chunk := state.NextBackfillChunk(w.cfg.NegentropyChunkHours)
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

	since := nostr.Timestamp(chunk.Since)
	until := nostr.Timestamp(chunk.Until)
	chunkFilter := job.Filter
	chunkFilter.Since = &since
	chunkFilter.Until = &until

	storage, err := negentropy.FromScan(ctx, func(ctx context.Context, yield func(negentropy.Item) error) error {
		events, err := w.store.Scan(ctx, chunkFilter)
		if err != nil {
			return err
		}
		for _, event := range events {
			idBytes, err := hex.DecodeString(event.ID)
			if err != nil || len(idBytes) != negentropy.IDSize {
				continue
			}
			var item negentropy.Item
			copy(item.ID[:], idBytes)
			item.Timestamp = uint32(event.CreatedAt)
			if err := yield(item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrNegentropy, err)
	}

	if !conn.NegSupported() {
		_ = state.ResetToIdle()
		_ = w.states.Save(ctx, state)
		statusHandled = true
		if w.fallbackToPolling != nil {
			w.fallbackToPolling(PollingJob{RelayURL: job.RelayURL, Direction: job.Direction, Filter: job.Filter, Mode: PollingBackfill, BackfillTarget: job.BackfillTarget})
		}
		return nil
	}

	reconciler, err := negentropy.NewClientReconciler(storage, w.cfg.NegentropyFrameSize)
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrNegentropy, err)
	}

	initial, err := reconciler.Initiate()
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrNegentropy, err)
	}

	reg, err := w.relays.Registry(ctx, job.RelayURL)
	if err != nil {
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	subID := nextSubID("neg")
	resultCh := make(chan negResult, 1)

	reg.RegisterNeg(subID, &relaywire.NegEntry{
		Reconciler: reconciler,
		OnDone: func(have, need [][negentropy.IDSize]byte) {
			resultCh <- negResult{haveIDs: have, needIDs: need}
		},
		OnError: func(err error) {
			resultCh <- negResult{err: err}
		},
	})

	if err := conn.SendNegOpen(ctx, subID, chunkFilter, initial); err != nil {
		reg.UnregisterNeg(subID)
		state.MarkError(err.Error())
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	// No dedicated negentropy timeout knob exists in config; the polling
	// timeout doubles as the generic per-round sync deadline.
	timeout := time.Duration(w.cfg.PollingTimeoutSeconds) * time.Second

	var res negResult
	select {
	case res = <-resultCh:
	case <-time.After(timeout):
		// A timeout marks the row error and stops here. No in-worker retry:
		// the recovery loop, gated on error_retry_after_minutes, is the only
		// path back to idle. Unlike a NEG-ERR below, this does not fall back
		// to Polling either; a slow or unresponsive peer must not be hammered
		// again on the same tick.
		reg.UnregisterNeg(subID)
		_ = conn.SendNegClose(ctx, subID)
		state.MarkError(fmt.Sprintf("negentropy chunk %d-%d timed out", chunk.Since, chunk.Until))
		_ = w.states.Save(ctx, state)
		statusHandled = true
		return fmt.Errorf("%w: negentropy chunk %d-%d on %s", ErrSyncTimeout, chunk.Since, chunk.Until, job.RelayURL)
	case <-ctx.Done():
		reg.UnregisterNeg(subID)
		_ = conn.SendNegClose(ctx, subID)
		return ctx.Err()
	}

	if res.err != nil {
		_ = state.ResetToIdle()
		_ = w.states.Save(ctx, state)
		statusHandled = true
		if w.fallbackToPolling != nil {
			w.fallbackToPolling(PollingJob{RelayURL: job.RelayURL, Direction: job.Direction, Filter: job.Filter, Mode: PollingBackfill, BackfillTarget: job.BackfillTarget})
		}
		return fmt.Errorf("%w: %v", ErrNegentropy, res.err)
	}

	if w.logger != nil {
		w.logger.LogReconcile(job.RelayURL, 0, len(res.haveIDs), len(res.needIDs), true)
	}

	if (job.Direction == syncstate.DirectionDown || job.Direction == syncstate.DirectionBoth) && len(res.needIDs) > 0 {
		if err := w.fetchNeedIDs(ctx, conn, reg, job, state, res.needIDs); err != nil {
			if w.logger != nil {
				w.logger.Warn("fetching negentropy-discovered ids failed", "relay", job.RelayURL, "error", err)
			}
		}
	}

	if (job.Direction == syncstate.DirectionUp || job.Direction == syncstate.DirectionBoth) && len(res.haveIDs) > 0 && w.enqueueUpload != nil {
		w.enqueueUpload(job.RelayURL)
	}

	// Reload to merge counters any concurrently-running download fetch may
	// have advanced before this chunk's frontier update is written.
	reloaded, err := w.states.Get(ctx, job.RelayURL, state.FilterHash)
	if err == nil {
		state = reloaded
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
	statusHandled = true
	if w.reschedule != nil {
		w.reschedule(job)
	}
	return nil
}

// fetchNeedIDs requests the events the reconciliation found missing
// locally, in REQ{ids:[...]} batches bounded by cfg.BatchSize,
// checkpointing download progress after each batch.
func (w *NegentropyWorker) fetchNeedIDs(ctx context.Context, conn *relaywire.Connection, reg *relaywire.HandlerRegistry, job NegJob, state *syncstate.SyncState, needIDs [][negentropy.IDSize]byte) error {
	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(needIDs)
	}

	for start := 0; start < len(needIDs); start += batchSize {
		end := min(start+batchSize, len(needIDs))
		ids := make([]string, 0, end-start)
		for _, id := range needIDs[start:end] {
			ids = append(ids, hex.EncodeToString(id[:]))
		}

		subID := nextSubID("neg_fetch")
		doneCh := make(chan struct{})
		closed := false
		closeOnce := func() {
			if !closed {
				closed = true
				close(doneCh)
			}
		}

		count := 0
		var lastID string
		var lastTS int64
		reg.RegisterEvent(subID, func(_ string, event *nostr.Event) {
			outcome, err := ProcessEvent(ctx, w.store, w.broadcaster, w.logger, event, job.RelayURL, false)
			if err != nil || outcome.Skipped {
				return
			}
			count++
			lastID, lastTS = event.ID, int64(event.CreatedAt)
		})
		reg.RegisterEOSE(subID, func(string) { closeOnce() })

		if err := conn.SendREQ(ctx, subID, nostr.Filter{IDs: ids}); err != nil {
			reg.UnregisterEvent(subID)
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}

		timeout := time.Duration(w.cfg.PollingTimeoutSeconds) * time.Second
		select {
		case <-doneCh:
		case <-time.After(timeout):
		case <-ctx.Done():
			_ = conn.SendCLOSE(ctx, subID)
			reg.UnregisterEvent(subID)
			return ctx.Err()
		}
		_ = conn.SendCLOSE(ctx, subID)
		reg.UnregisterEvent(subID)

		if count > 0 {
			state.MarkDownloadProgress(lastID, lastTS, count)
			if err := w.states.Save(ctx, state); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
	}
	return nil
}
