package syncstate

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Status is one of the four SyncState FSM states.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Direction indicates which way events flow for a SyncState row.
type Direction string

const (
	DirectionDown Direction = "down"
	DirectionUp   Direction = "up"
	DirectionBoth Direction = "both"
)

// SyncState is the durable per-(relay_url, filter_hash) cursor, backfill
// window, and status row the sync engine serializes all work through.
type SyncState struct {
	RelayURL   string    `db:"relay_url"`
	FilterHash string    `db:"filter_hash"`
	Direction  Direction `db:"direction"`
	Status     Status    `db:"status"`

	LastDownloadEventID   string `db:"last_download_event_id"`
	LastDownloadTimestamp int64  `db:"last_download_timestamp"`
	LastUploadEventID     string `db:"last_upload_event_id"`
	LastUploadTimestamp   int64  `db:"last_upload_timestamp"`

	EventsDownloaded int64 `db:"events_downloaded"`
	EventsUploaded   int64 `db:"events_uploaded"`

	BackfillTarget int64 `db:"backfill_target"`
	BackfillUntil  int64 `db:"backfill_until"`

	ErrorMessage string `db:"error_message"`
	LastSyncedAt int64  `db:"last_synced_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// ChunkWindow is one backfill chunk's time range, from Since (older edge)
// to Until (newer edge). The workers apply both as a filter's Since/Until,
// which match inclusively, so adjacent chunks share their boundary second.
type ChunkWindow struct {
	Since int64
	Until int64
}

func now() int64 { return time.Now().Unix() }

// MarkSyncing transitions idle -> syncing. It also permits re-entering
// syncing for a continuation job (status already syncing). There is no
// error -> syncing edge: RecoverStale, gated on error_retry_after, is the
// sole error -> idle path, and a fresh idle -> syncing call is required
// before a relay can be retried.
func (s *SyncState) MarkSyncing() error {
	if s.Status != StatusIdle && s.Status != StatusSyncing {
		return ErrInvalidTransition
	}
	s.Status = StatusSyncing
	s.UpdatedAt = now()
	return nil
}

// MarkCompleted transitions syncing → completed if backfillComplete is
// true, otherwise resets to idle. The workers call it with true once a
// backfill or upload pass is finished; realtime polls return to idle via
// ResetToIdle, and an unfinished backfill stays syncing between chunks.
func (s *SyncState) MarkCompleted(backfillComplete bool) error {
	if s.Status != StatusSyncing {
		return ErrInvalidTransition
	}
	if backfillComplete {
		s.Status = StatusCompleted
	} else {
		s.Status = StatusIdle
	}
	s.LastSyncedAt = now()
	s.UpdatedAt = now()
	return nil
}

// ResetToIdle transitions syncing|error → idle.
func (s *SyncState) ResetToIdle() error {
	if s.Status != StatusSyncing && s.Status != StatusError {
		return ErrInvalidTransition
	}
	s.Status = StatusIdle
	s.UpdatedAt = now()
	return nil
}

// MarkError transitions syncing → error, recording msg for diagnostics.
func (s *SyncState) MarkError(msg string) error {
	if s.Status != StatusSyncing {
		return ErrInvalidTransition
	}
	s.Status = StatusError
	s.ErrorMessage = msg
	s.UpdatedAt = now()
	return nil
}

// Stale reports whether this row is syncing and hasn't been touched in
// threshold, the condition RecoverStale rescues.
func (s *SyncState) Stale(threshold time.Duration) bool {
	return s.Status == StatusSyncing && s.UpdatedAt+int64(threshold.Seconds()) < now()
}

// ResumeFilter returns base with Since set to the download cursor minus
// overlapSeconds (to absorb late-arriving events across polls), or
// fallbackSince if no cursor has been recorded yet.
func (s *SyncState) ResumeFilter(base nostr.Filter, fallbackSince int64, overlapSeconds int) nostr.Filter {
	since := fallbackSince
	if s.LastDownloadTimestamp > 0 {
		since = s.LastDownloadTimestamp - int64(overlapSeconds)
		if since < 0 {
			since = 0
		}
	}
	ts := nostr.Timestamp(since)
	base.Since = &ts
	return base
}

// InitializeBackfill sets BackfillTarget/BackfillUntil on first use;
// idempotent on subsequent calls.
func (s *SyncState) InitializeBackfill(target int64) {
	if s.BackfillTarget != 0 {
		return
	}
	s.BackfillTarget = target
	s.BackfillUntil = now()
}

// NextBackfillChunk returns the next chunk to fetch, walking backward from
// BackfillUntil toward BackfillTarget (newest chunk first), or nil once
// BackfillUntil has reached BackfillTarget.
func (s *SyncState) NextBackfillChunk(chunkHours int) *ChunkWindow {
	if s.BackfillUntil <= s.BackfillTarget {
		return nil
	}
	since := s.BackfillUntil - int64(chunkHours)*3600
	if since < s.BackfillTarget {
		since = s.BackfillTarget
	}
	return &ChunkWindow{Since: since, Until: s.BackfillUntil}
}

// MarkBackfillChunkCompleted advances the frontier monotonically toward
// BackfillTarget.
func (s *SyncState) MarkBackfillChunkCompleted(chunkStart int64) {
	s.BackfillUntil = chunkStart
	s.UpdatedAt = now()
}

// BackfillComplete reports whether the backfill frontier has reached its
// target.
func (s *SyncState) BackfillComplete() bool {
	return s.BackfillUntil <= s.BackfillTarget
}

// BackfillProgressPercent returns progress over [target, initialUntil],
// where initialUntil is the BackfillUntil recorded at InitializeBackfill
// time (callers that need this across restarts should persist it
// separately; within one worker run it's simply the value observed before
// the first chunk was applied).
func (s *SyncState) BackfillProgressPercent(initialUntil int64) float64 {
	total := initialUntil - s.BackfillTarget
	if total <= 0 {
		return 100
	}
	done := initialUntil - s.BackfillUntil
	pct := float64(done) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// MarkDownloadProgress advances the download cursor and counter. Cursor
// advancement only moves forward: an out-of-order checkpoint (e.g. from a
// retried batch) never regresses it.
func (s *SyncState) MarkDownloadProgress(eventID string, timestamp int64, count int) {
	if timestamp >= s.LastDownloadTimestamp {
		s.LastDownloadEventID = eventID
		s.LastDownloadTimestamp = timestamp
	}
	s.EventsDownloaded += int64(count)
	s.UpdatedAt = now()
}

// MarkUploadProgress advances the upload cursor and counter.
func (s *SyncState) MarkUploadProgress(eventID string, timestamp int64, count int) {
	if timestamp >= s.LastUploadTimestamp {
		s.LastUploadEventID = eventID
		s.LastUploadTimestamp = timestamp
	}
	s.EventsUploaded += int64(count)
	s.UpdatedAt = now()
}
