package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/eventstore"
	"github.com/sandwichfarm/negsync/internal/ops"
	"github.com/sandwichfarm/negsync/internal/syncstate"
)

// fakeRelay is a scriptable WebSocket relay: a handler function decides how
// to respond to each inbound frame, mirroring relaywire's own test fixture
// but generalized so the sync workers under test can be driven end to end.
type fakeRelay struct {
	server *httptest.Server
	url    string

	mu   sync.Mutex
	conn *websocket.Conn

	onFrame func(conn *websocket.Conn, frame []json.RawMessage)
}

func newFakeRelay(t *testing.T, onFrame func(conn *websocket.Conn, frame []json.RawMessage)) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{onFrame: onFrame}

	fr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conn = c
		fr.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var frame []json.RawMessage
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			if fr.onFrame != nil {
				fr.onFrame(c, frame)
			}
		}
	}))
	fr.url = "ws" + strings.TrimPrefix(fr.server.URL, "http")
	return fr
}

func (fr *fakeRelay) close() { fr.server.Close() }

func frameType(frame []json.RawMessage) string {
	if len(frame) == 0 {
		return ""
	}
	var s string
	_ = json.Unmarshal(frame[0], &s)
	return s
}

func frameString(frame []json.RawMessage, i int) string {
	if i >= len(frame) {
		return ""
	}
	var s string
	_ = json.Unmarshal(frame[i], &s)
	return s
}

func sendFrame(conn *websocket.Conn, frame []any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Write(context.Background(), websocket.MessageText, data)
}

func testConfig() *config.SyncConfig {
	return &config.SyncConfig{
		BatchSize:             50,
		PollingTimeoutSeconds: 2,
		PollingWindowMinutes:  60,
		CheckpointInterval:    100,
		ResumeOverlapSeconds:  30,
		NegentropyFrameSize:   60000,
		NegentropyChunkHours:  24,
		PollingChunkHours:     24,
		UploadBatchSize:       50,
		UploadDelayMs:         0,
		StaleThresholdMinutes: 10,
		ErrorRetryAfterMinutes: 5,
	}
}

func testLogger(t *testing.T) *ops.Logger {
	t.Helper()
	return ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, discardWriter{})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.New(context.Background(), &config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "events.db"),
	})
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testStates(t *testing.T) *syncstate.Repository {
	t.Helper()
	repo, err := syncstate.NewRepository(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to create sync state repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
