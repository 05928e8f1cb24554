package syncstate

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func TestMarkSyncingFromIdle(t *testing.T) {
	s := &SyncState{Status: StatusIdle}
	if err := s.MarkSyncing(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusSyncing {
		t.Errorf("expected syncing, got %s", s.Status)
	}
}

func TestMarkSyncingFromCompletedRejected(t *testing.T) {
	s := &SyncState{Status: StatusCompleted}
	if err := s.MarkSyncing(); err == nil {
		t.Error("expected error transitioning from completed to syncing")
	}
}

// There is no error -> syncing edge: RecoverStale (gated on
// error_retry_after_minutes) is the sole path back to idle, and only from
// idle can a row re-enter syncing.
func TestMarkSyncingFromErrorRejected(t *testing.T) {
	s := &SyncState{Status: StatusError, ErrorMessage: "boom"}
	if err := s.MarkSyncing(); err == nil {
		t.Error("expected error transitioning from error to syncing")
	}
	if s.Status != StatusError {
		t.Errorf("status must stay error, got %s", s.Status)
	}
}

func TestMarkCompletedBackfillComplete(t *testing.T) {
	s := &SyncState{Status: StatusSyncing}
	if err := s.MarkCompleted(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", s.Status)
	}
}

func TestMarkCompletedBackfillIncomplete(t *testing.T) {
	s := &SyncState{Status: StatusSyncing}
	if err := s.MarkCompleted(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusIdle {
		t.Errorf("expected idle when backfill incomplete, got %s", s.Status)
	}
}

func TestMarkCompletedRequiresSyncing(t *testing.T) {
	s := &SyncState{Status: StatusIdle}
	if err := s.MarkCompleted(true); err == nil {
		t.Error("expected error completing a non-syncing row")
	}
}

func TestResetToIdleFromErrorOrSyncing(t *testing.T) {
	for _, status := range []Status{StatusSyncing, StatusError} {
		s := &SyncState{Status: status}
		if err := s.ResetToIdle(); err != nil {
			t.Errorf("unexpected error resetting from %s: %v", status, err)
		}
		if s.Status != StatusIdle {
			t.Errorf("expected idle, got %s", s.Status)
		}
	}
}

func TestResetToIdleRejectsFromCompleted(t *testing.T) {
	s := &SyncState{Status: StatusCompleted}
	if err := s.ResetToIdle(); err == nil {
		t.Error("expected error resetting from completed")
	}
}

func TestMarkError(t *testing.T) {
	s := &SyncState{Status: StatusSyncing}
	if err := s.MarkError("connection refused"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusError || s.ErrorMessage != "connection refused" {
		t.Errorf("expected error state with message, got %s / %q", s.Status, s.ErrorMessage)
	}
}

func TestStale(t *testing.T) {
	s := &SyncState{Status: StatusSyncing, UpdatedAt: now() - 3600}
	if !s.Stale(time.Minute) {
		t.Error("expected row updated an hour ago to be stale past a 1 minute threshold")
	}

	fresh := &SyncState{Status: StatusSyncing, UpdatedAt: now()}
	if fresh.Stale(time.Hour) {
		t.Error("expected freshly updated row to not be stale")
	}

	idle := &SyncState{Status: StatusIdle, UpdatedAt: now() - 3600}
	if idle.Stale(time.Minute) {
		t.Error("idle rows are never stale regardless of age")
	}
}

func TestResumeFilterUsesOverlapWhenCursorPresent(t *testing.T) {
	s := &SyncState{LastDownloadTimestamp: 10000}
	filter := s.ResumeFilter(nostr.Filter{Kinds: []int{1}}, 0, 300)
	if filter.Since == nil || int64(*filter.Since) != 9700 {
		t.Errorf("expected since 9700, got %v", filter.Since)
	}
}

func TestResumeFilterFallsBackWithoutCursor(t *testing.T) {
	s := &SyncState{}
	filter := s.ResumeFilter(nostr.Filter{Kinds: []int{1}}, 5000, 300)
	if filter.Since == nil || int64(*filter.Since) != 5000 {
		t.Errorf("expected fallback since 5000, got %v", filter.Since)
	}
}

func TestInitializeBackfillIdempotent(t *testing.T) {
	s := &SyncState{}
	s.InitializeBackfill(1000)
	firstUntil := s.BackfillUntil
	if s.BackfillTarget != 1000 {
		t.Fatalf("expected target 1000, got %d", s.BackfillTarget)
	}

	s.InitializeBackfill(2000)
	if s.BackfillTarget != 1000 || s.BackfillUntil != firstUntil {
		t.Error("expected InitializeBackfill to be a no-op once already set")
	}
}

func TestNextBackfillChunkClampsToTarget(t *testing.T) {
	s := &SyncState{BackfillTarget: 1000, BackfillUntil: 1500}
	chunk := s.NextBackfillChunk(1) // 1 hour = 3600s, bigger than the window
	if chunk == nil {
		t.Fatal("expected a chunk")
	}
	if chunk.Since != 1000 || chunk.Until != 1500 {
		t.Errorf("expected clamped chunk [1000,1500), got [%d,%d)", chunk.Since, chunk.Until)
	}
}

func TestNextBackfillChunkNilWhenComplete(t *testing.T) {
	s := &SyncState{BackfillTarget: 1000, BackfillUntil: 1000}
	if chunk := s.NextBackfillChunk(168); chunk != nil {
		t.Errorf("expected nil chunk when complete, got %+v", chunk)
	}
}

func TestChunkedBackfillProgression(t *testing.T) {
	const day = int64(86400)
	target := now() - 30*day
	s := &SyncState{BackfillTarget: target, BackfillUntil: now()}
	initialUntil := s.BackfillUntil

	expectedWindows := 5
	windows := 0
	for {
		chunk := s.NextBackfillChunk(168) // 7 days
		if chunk == nil {
			break
		}
		s.MarkBackfillChunkCompleted(chunk.Since)
		windows++
		if windows > expectedWindows {
			t.Fatal("backfill did not converge within expected window count")
		}
	}

	if windows != expectedWindows {
		t.Errorf("expected %d windows, got %d", expectedWindows, windows)
	}
	if !s.BackfillComplete() {
		t.Error("expected backfill to be complete")
	}
	if pct := s.BackfillProgressPercent(initialUntil); pct != 100 {
		t.Errorf("expected 100%% progress, got %f", pct)
	}
}

func TestMarkDownloadProgressNeverRegresses(t *testing.T) {
	s := &SyncState{}
	s.MarkDownloadProgress("event-a", 100, 1)
	s.MarkDownloadProgress("event-b", 50, 1) // out-of-order, should not regress
	if s.LastDownloadTimestamp != 100 || s.LastDownloadEventID != "event-a" {
		t.Errorf("expected cursor to stay at event-a/100, got %s/%d", s.LastDownloadEventID, s.LastDownloadTimestamp)
	}
	if s.EventsDownloaded != 2 {
		t.Errorf("expected counter 2, got %d", s.EventsDownloaded)
	}
}

func TestMarkUploadProgress(t *testing.T) {
	s := &SyncState{}
	s.MarkUploadProgress("event-a", 100, 3)
	if s.LastUploadTimestamp != 100 || s.EventsUploaded != 3 {
		t.Errorf("expected cursor 100 / counter 3, got %d / %d", s.LastUploadTimestamp, s.EventsUploaded)
	}
}
