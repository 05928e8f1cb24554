package syncstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func setupTestRepository(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	repo, err := NewRepository(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestForSyncCreatesThenFindsRow(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	filter := nostr.Filter{Kinds: []int{1}}

	created, err := repo.ForSync(ctx, "wss://relay.test", DirectionDown, filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Status != StatusIdle {
		t.Errorf("expected new row to start idle, got %s", created.Status)
	}

	found, err := repo.ForSync(ctx, "wss://relay.test", DirectionDown, filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found.FilterHash != created.FilterHash {
		t.Errorf("expected find-or-create to return the same row, got different filter_hash")
	}
}

func TestForUploadUsesSentinelHash(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	s, err := repo.ForUpload(ctx, "wss://relay.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.FilterHash != UploadFilterHash {
		t.Errorf("expected sentinel filter_hash %q, got %q", UploadFilterHash, s.FilterHash)
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	s, err := repo.ForSync(ctx, "wss://relay.test", DirectionDown, nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.MarkSyncing(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.MarkDownloadProgress("event-1", 1234, 5)

	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("unexpected error saving: %v", err)
	}

	reloaded, err := repo.Get(ctx, s.RelayURL, s.FilterHash)
	if err != nil {
		t.Fatalf("unexpected error reloading: %v", err)
	}
	if reloaded.Status != StatusSyncing {
		t.Errorf("expected reloaded status syncing, got %s", reloaded.Status)
	}
	if reloaded.LastDownloadEventID != "event-1" || reloaded.EventsDownloaded != 5 {
		t.Errorf("expected cursor event-1/5 events, got %s/%d", reloaded.LastDownloadEventID, reloaded.EventsDownloaded)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	repo := setupTestRepository(t)
	_, err := repo.Get(context.Background(), "wss://relay.test", "deadbeefdeadbeef")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSyncingAndListError(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	syncing, err := repo.ForSync(ctx, "wss://relay-a.test", DirectionDown, nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := syncing.MarkSyncing(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Save(ctx, syncing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	errored, err := repo.ForSync(ctx, "wss://relay-b.test", DirectionDown, nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := errored.MarkSyncing(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := errored.MarkError("boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Save(ctx, errored); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	syncingRows, err := repo.ListSyncing(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(syncingRows) != 1 {
		t.Errorf("expected 1 syncing row, got %d", len(syncingRows))
	}

	errorRows, err := repo.ListError(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(errorRows) != 1 {
		t.Errorf("expected 1 error row, got %d", len(errorRows))
	}
}
