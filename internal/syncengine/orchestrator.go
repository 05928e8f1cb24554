package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/eventstore"
	"github.com/sandwichfarm/negsync/internal/ops"
	"github.com/sandwichfarm/negsync/internal/relaywire"
	"github.com/sandwichfarm/negsync/internal/syncstate"
)

// Mode selects which class of sync job DispatchSyncJobs fans out.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeBackfill Mode = "backfill"
	ModeUpload   Mode = "upload"
	ModeFull     Mode = "full"
)

// DispatchResult summarizes one DispatchSyncJobs call.
type DispatchResult struct {
	Dispatched int
	Mode       Mode
}

// RecoveryResult summarizes one RecoverStale pass.
type RecoveryResult struct {
	RecoveredStale int
	RetriedErrors  int
}

// Orchestrator fans configured relays out across the Polling, Negentropy,
// and Upload workers through two bounded job queues, and recovers rows
// stuck in syncing or error past their thresholds. cmd/negsync wires a
// timer loop per dispatch mode plus one for recovery around this type.
type Orchestrator struct {
	cfg    *config.Config
	states *syncstate.Repository
	store  *eventstore.Store
	relays *relaywire.Manager
	logger *ops.Logger

	syncQueue   *JobQueue
	uploadQueue *JobQueue

	polling *PollingWorker
	neg     *NegentropyWorker
	upload  *UploadWorker
}

// NewOrchestrator wires the three workers together with their
// self-reschedule/fallback/enqueue-upload callbacks routed through the
// orchestrator's own queues, so the workers never reference the
// Orchestrator directly.
func NewOrchestrator(cfg *config.Config, states *syncstate.Repository, store *eventstore.Store, relays *relaywire.Manager, broadcaster *Broadcaster, logger *ops.Logger) *Orchestrator {
	concurrency := cfg.Sync.MaxConcurrentConnections
	if concurrency < 1 {
		concurrency = 1
	}

	o := &Orchestrator{
		cfg:         cfg,
		states:      states,
		store:       store,
		relays:      relays,
		logger:      logger,
		syncQueue:   NewJobQueue(concurrency, concurrency*4),
		uploadQueue: NewJobQueue(concurrency, concurrency*4),
	}

	o.polling = NewPollingWorker(relays, states, store, broadcaster, &cfg.Sync, logger)
	o.neg = NewNegentropyWorker(relays, states, store, broadcaster, &cfg.Sync, logger)
	o.upload = NewUploadWorker(relays, states, store, &cfg.Sync, logger)

	o.polling.SetReschedule(func(job PollingJob) {
		o.syncQueue.TryEnqueue(func() { o.runPolling(job) })
	})
	o.neg.SetReschedule(func(job NegJob) {
		o.syncQueue.TryEnqueue(func() { o.runNeg(job) })
	})
	o.neg.SetFallbackToPolling(func(job PollingJob) {
		o.syncQueue.TryEnqueue(func() { o.runPolling(job) })
	})
	o.neg.SetEnqueueUpload(func(relayURL string) {
		o.uploadQueue.TryEnqueue(func() { o.runUpload(relayURL) })
	})

	return o
}

func (o *Orchestrator) runPolling(job PollingJob) {
	if err := o.polling.Run(context.Background(), job); err != nil && o.logger != nil {
		o.logger.LogWorkerOutcome("polling", job.RelayURL, "", err)
	}
}

func (o *Orchestrator) runNeg(job NegJob) {
	if err := o.neg.Run(context.Background(), job); err != nil && o.logger != nil {
		o.logger.LogWorkerOutcome("negentropy", job.RelayURL, "", err)
	}
}

func (o *Orchestrator) runUpload(relayURL string) {
	if err := o.upload.Run(context.Background(), relayURL); err != nil && o.logger != nil {
		o.logger.LogWorkerOutcome("upload", relayURL, "", err)
	}
}

// Stop drains both job queues, waiting for in-flight work to finish.
func (o *Orchestrator) Stop() {
	o.syncQueue.Stop()
	o.uploadQueue.Stop()
}

// baseFilter returns the starting filter every dispatch narrows further,
// applying the configured kind allowlist.
func (o *Orchestrator) baseFilter() nostr.Filter {
	if len(o.cfg.Sync.EventKinds) == 0 {
		return nostr.Filter{}
	}
	return nostr.Filter{Kinds: o.cfg.Sync.EventKinds}
}

// relayFleet returns the relays a dispatch call should consider: every
// enabled relay, or just the one named by relayURL if non-empty.
func (o *Orchestrator) relayFleet(relayURL string) []config.RelayConfig {
	var out []config.RelayConfig
	for _, r := range o.cfg.Relays.Fleet {
		if !r.Enabled {
			continue
		}
		if relayURL != "" && r.URL != relayURL {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DispatchSyncJobs fans mode out across the relevant relays in the fleet
// (or just relayURL, if non-empty). A single mode enqueues at most one job
// per relay per call; ModeFull enqueues at most one realtime, one backfill
// and one upload job per relay.
func (o *Orchestrator) DispatchSyncJobs(ctx context.Context, mode Mode, relayURL string) (DispatchResult, error) {
	result := DispatchResult{Mode: mode}

	for _, relay := range o.relayFleet(relayURL) {
		direction := syncstate.Direction(relay.Direction)
		if direction == "" {
			direction = syncstate.DirectionBoth
		}

		downCapable := direction == syncstate.DirectionDown || direction == syncstate.DirectionBoth
		upCapable := direction == syncstate.DirectionUp || direction == syncstate.DirectionBoth

		switch mode {
		case ModeRealtime:
			if downCapable && o.dispatchRealtime(ctx, relay, direction) {
				result.Dispatched++
			}
		case ModeBackfill:
			if downCapable && relay.Backfill && o.dispatchBackfill(ctx, relay, direction) {
				result.Dispatched++
			}
		case ModeUpload:
			if upCapable && o.dispatchUpload(relay) {
				result.Dispatched++
			}
		case ModeFull:
			// Union of the three single modes. The realtime and backfill jobs
			// share one SyncState row, so whichever starts first wins it and
			// the other short-circuits on the syncing status check.
			if downCapable && o.dispatchRealtime(ctx, relay, direction) {
				result.Dispatched++
			}
			if downCapable && relay.Backfill && o.dispatchBackfill(ctx, relay, direction) {
				result.Dispatched++
			}
			if upCapable && o.dispatchUpload(relay) {
				result.Dispatched++
			}
		default:
			return result, fmt.Errorf("%w: unknown dispatch mode %q", ErrProtocol, mode)
		}
	}

	return result, nil
}

func (o *Orchestrator) dispatchRealtime(ctx context.Context, relay config.RelayConfig, direction syncstate.Direction) bool {
	job := PollingJob{RelayURL: relay.URL, Direction: direction, Filter: o.baseFilter(), Mode: PollingRealtime}

	state, err := o.states.ForSync(ctx, relay.URL, direction, job.Filter)
	if err != nil {
		if o.logger != nil {
			o.logger.LogWorkerOutcome("polling", relay.URL, "", err)
		}
		return false
	}
	if state.Status == syncstate.StatusSyncing && !state.Stale(time.Duration(o.cfg.Sync.StaleThresholdMinutes)*time.Minute) {
		return false
	}
	if state.Status == syncstate.StatusError {
		return false
	}

	return o.syncQueue.TryEnqueue(func() { o.runPolling(job) })
}

func (o *Orchestrator) dispatchBackfill(ctx context.Context, relay config.RelayConfig, direction syncstate.Direction) bool {
	target := time.Now().Add(-time.Duration(o.cfg.Sync.BackfillSinceHours) * time.Hour).Unix()
	filter := o.baseFilter()

	state, err := o.states.ForSync(ctx, relay.URL, direction, filter)
	if err != nil {
		if o.logger != nil {
			o.logger.LogWorkerOutcome("backfill", relay.URL, "", err)
		}
		return false
	}
	if state.Status == syncstate.StatusSyncing && !state.Stale(time.Duration(o.cfg.Sync.StaleThresholdMinutes)*time.Minute) {
		return false
	}
	if state.Status == syncstate.StatusError {
		return false
	}
	if state.Status == syncstate.StatusCompleted {
		return false
	}

	if relay.Negentropy {
		job := NegJob{RelayURL: relay.URL, Direction: direction, Filter: filter, BackfillTarget: target}
		return o.syncQueue.TryEnqueue(func() { o.runNeg(job) })
	}

	job := PollingJob{RelayURL: relay.URL, Direction: direction, Filter: filter, Mode: PollingBackfill, BackfillTarget: target}
	return o.syncQueue.TryEnqueue(func() { o.runPolling(job) })
}

func (o *Orchestrator) dispatchUpload(relay config.RelayConfig) bool {
	return o.uploadQueue.TryEnqueue(func() { o.runUpload(relay.URL) })
}

// RecoverStale resets rows stuck in syncing past StaleThresholdMinutes and
// rows stuck in error past ErrorRetryAfterMinutes back to idle. The error
// message is retained on the row for diagnostics even once the status
// moves back to idle.
func (o *Orchestrator) RecoverStale(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult

	staleThreshold := time.Duration(o.cfg.Sync.StaleThresholdMinutes) * time.Minute
	syncing, err := o.states.ListSyncing(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, s := range syncing {
		if !s.Stale(staleThreshold) {
			continue
		}
		if err := s.ResetToIdle(); err != nil {
			continue
		}
		if err := o.states.Save(ctx, s); err == nil {
			result.RecoveredStale++
		}
	}

	errored, err := o.states.ListError(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	retryAfter := int64(o.cfg.Sync.ErrorRetryAfterMinutes * 60)
	now := time.Now().Unix()
	for _, s := range errored {
		if s.UpdatedAt+retryAfter > now {
			continue
		}
		if err := s.ResetToIdle(); err != nil {
			continue
		}
		if err := o.states.Save(ctx, s); err == nil {
			result.RetriedErrors++
		}
	}

	if o.logger != nil {
		o.logger.LogRecovery(result.RecoveredStale, result.RetriedErrors)
	}
	return result, nil
}
