package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/relaywire"
	"github.com/sandwichfarm/negsync/internal/syncstate"
)

func testOrchestratorConfig(relayURL string, direction string, backfill, negentropy bool) *config.Config {
	return &config.Config{
		Storage: config.Storage{Driver: "sqlite"},
		Logging: config.Logging{Level: "error", Format: "text"},
		Relays: config.RelaysConfig{
			Fleet: []config.RelayConfig{
				{URL: relayURL, Enabled: true, Backfill: backfill, Negentropy: negentropy, Direction: direction},
			},
		},
		Sync: *testConfig(),
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	states := testStates(t)
	store := testStore(t)
	relays := relaywire.NewManager(relaywire.ReconnectPolicy{Delay: time.Second}, nil)
	t.Cleanup(func() { relays.Close() })

	o := NewOrchestrator(cfg, states, store, relays, nil, testLogger(t))
	t.Cleanup(o.Stop)
	return o
}

func TestOrchestrator_DispatchRealtimeSkipsDisabledRelays(t *testing.T) {
	fr := newFakeRelay(t, func(conn *websocket.Conn, frame []json.RawMessage) {
		if frameType(frame) != "REQ" {
			return
		}
		sendFrame(conn, []any{"EOSE", frameString(frame, 1)})
	})
	defer fr.close()

	cfg := testOrchestratorConfig(fr.url, "down", false, false)
	cfg.Relays.Fleet[0].Enabled = false
	o := newTestOrchestrator(t, cfg)

	result, err := o.DispatchSyncJobs(context.Background(), ModeRealtime, "")
	if err != nil {
		t.Fatalf("DispatchSyncJobs() error = %v", err)
	}
	if result.Dispatched != 0 {
		t.Errorf("expected 0 dispatched for a disabled relay, got %d", result.Dispatched)
	}
}

func TestOrchestrator_DispatchRealtimeEnqueuesEnabledRelay(t *testing.T) {
	fr := newFakeRelay(t, func(conn *websocket.Conn, frame []json.RawMessage) {
		if frameType(frame) != "REQ" {
			return
		}
		sendFrame(conn, []any{"EOSE", frameString(frame, 1)})
	})
	defer fr.close()

	cfg := testOrchestratorConfig(fr.url, "down", false, false)
	o := newTestOrchestrator(t, cfg)

	result, err := o.DispatchSyncJobs(context.Background(), ModeRealtime, "")
	if err != nil {
		t.Fatalf("DispatchSyncJobs() error = %v", err)
	}
	if result.Dispatched != 1 {
		t.Fatalf("expected 1 dispatched job, got %d", result.Dispatched)
	}

	waitFor(t, 2*time.Second, func() bool {
		hash, _ := syncstate.FilterHash(string(syncstate.DirectionDown), o.baseFilter())
		state, err := o.states.Get(context.Background(), fr.url, hash)
		return err == nil && state.Status == syncstate.StatusIdle
	})
}

func TestOrchestrator_DispatchBackfillSkipsRelaysWithoutBackfillFlag(t *testing.T) {
	fr := newFakeRelay(t, nil)
	defer fr.close()

	cfg := testOrchestratorConfig(fr.url, "down", false, false)
	o := newTestOrchestrator(t, cfg)

	result, err := o.DispatchSyncJobs(context.Background(), ModeBackfill, "")
	if err != nil {
		t.Fatalf("DispatchSyncJobs() error = %v", err)
	}
	if result.Dispatched != 0 {
		t.Errorf("expected backfill to skip a relay with backfill disabled, got %d dispatched", result.Dispatched)
	}
}

func TestOrchestrator_DispatchFullCoversDownloadAndUpload(t *testing.T) {
	fr := newFakeRelay(t, func(conn *websocket.Conn, frame []json.RawMessage) {
		if frameType(frame) != "REQ" {
			return
		}
		sendFrame(conn, []any{"EOSE", frameString(frame, 1)})
	})
	defer fr.close()

	cfg := testOrchestratorConfig(fr.url, "both", false, false)
	o := newTestOrchestrator(t, cfg)

	result, err := o.DispatchSyncJobs(context.Background(), ModeFull, "")
	if err != nil {
		t.Fatalf("DispatchSyncJobs() error = %v", err)
	}
	// Backfill is disabled on the relay, so full dispatches the realtime
	// poll plus the upload pass.
	if result.Dispatched != 2 {
		t.Fatalf("expected 2 dispatched jobs for full mode, got %d", result.Dispatched)
	}

	waitFor(t, 2*time.Second, func() bool {
		upload, err := o.states.Get(context.Background(), fr.url, syncstate.UploadFilterHash)
		return err == nil && upload.Status == syncstate.StatusCompleted
	})
}

func TestOrchestrator_RecoverStaleResetsStuckSyncingRow(t *testing.T) {
	cfg := testOrchestratorConfig("wss://relay.test", "down", false, false)
	cfg.Sync.StaleThresholdMinutes = 1
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	state, err := o.states.ForSync(ctx, "wss://relay.test", syncstate.DirectionDown, o.baseFilter())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := state.MarkSyncing(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state.UpdatedAt = time.Now().Add(-time.Hour).Unix()
	if err := o.states.Save(ctx, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := o.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if result.RecoveredStale != 1 {
		t.Errorf("expected 1 recovered stale row, got %d", result.RecoveredStale)
	}

	reloaded, err := o.states.Get(ctx, "wss://relay.test", state.FilterHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Status != syncstate.StatusIdle {
		t.Errorf("expected stale row reset to idle, got %s", reloaded.Status)
	}
}

func TestOrchestrator_RecoverStaleRetriesOldErrorRows(t *testing.T) {
	cfg := testOrchestratorConfig("wss://relay.test", "down", false, false)
	cfg.Sync.ErrorRetryAfterMinutes = 1
	o := newTestOrchestrator(t, cfg)

	ctx := context.Background()
	state, err := o.states.ForSync(ctx, "wss://relay.test", syncstate.DirectionDown, o.baseFilter())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := state.MarkSyncing(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := state.MarkError("boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state.UpdatedAt = time.Now().Add(-time.Hour).Unix()
	if err := o.states.Save(ctx, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := o.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if result.RetriedErrors != 1 {
		t.Errorf("expected 1 retried error row, got %d", result.RetriedErrors)
	}

	reloaded, err := o.states.Get(ctx, "wss://relay.test", state.FilterHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Status != syncstate.StatusIdle {
		t.Errorf("expected retried error row to land on idle, got %s", reloaded.Status)
	}
	if reloaded.ErrorMessage != "boom" {
		t.Errorf("expected error message to be retained for diagnostics, got %q", reloaded.ErrorMessage)
	}
}
