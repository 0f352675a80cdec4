package nodesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const testSecret = "shared-registration-secret"

type orchFixture struct {
	orch     *Orchestrator
	store    *DataStore
	sessions *SessionStore
	broker   *ProgressBroker
}

func newOrchFixture(t *testing.T, peers ...PeerDescriptor) *orchFixture {
	t.Helper()
	store := newTestStore(t)
	guard := NewCompatGuard(DefaultGuardConfig(localSchema()), nil)
	builder := NewSnapshotBuilder(store, "node-a")
	engine := NewChunkEngine(store, DefaultTransferConfig())
	sessions := NewSessionStore(store.DB())
	broker := NewProgressBroker(0)
	orch := NewOrchestrator(OrchestratorConfig{NodeID: "node-a"},
		guard, builder, engine, sessions, broker, NewStaticPeerDirectory(peers...))
	orch.Start()
	t.Cleanup(orch.Stop)
	return &orchFixture{orch: orch, store: store, sessions: sessions, broker: broker}
}

func compatiblePeer(address string) PeerDescriptor {
	return PeerDescriptor{
		NodeID:        "node-b",
		Address:       address,
		SchemaVersion: "1.2.0",
		SchemaHash:    "local-hash",
		AuthToken:     DeriveToken(testSecret),
	}
}

func waitTerminal(t *testing.T, orch *Orchestrator, sessionID string) *InitialLoadSession {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := orch.GetSession(sessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal state")
	return nil
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	// Target node: a real receiver behind the full authenticated API.
	target := newTestStore(t)
	receiver := NewChunkReceiver(DefaultReceiverConfig(), target, NewSnapshotBuilder(target, "node-b"))
	verifier := NewTokenVerifier(testSecret)
	api := NewSyncServer(DefaultSyncServerConfig(), nil, receiver, nil, nil, nil, verifier)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	fix := newOrchFixture(t, compatiblePeer(srv.URL))
	seedBusiness(t, fix.store, "b1", false)
	seedBusiness(t, fix.store, "b2", false)
	seedBusiness(t, fix.store, "demo", true)
	seedCustomers(t, fix.store, "b1", 9)

	events, cancelSub := fix.broker.Subscribe("")
	defer cancelSub()

	id, err := fix.orch.Initiate(context.Background(), "node-b", SessionOptions{BatchSize: 4})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	sess := waitTerminal(t, fix.orch, id)
	if sess.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", sess.Status, sess.ErrorMessage)
	}
	if sess.Progress != 100 {
		t.Errorf("progress = %d, want 100", sess.Progress)
	}
	if sess.TotalRecords != 11 || sess.TransferredRecords != 11 {
		t.Errorf("records = %d/%d, want 11/11", sess.TransferredRecords, sess.TotalRecords)
	}
	if sess.TransferredBytes <= 0 {
		t.Errorf("transferred bytes = %d", sess.TransferredBytes)
	}
	if sess.CompletedAt == nil {
		t.Error("completed session missing completion time")
	}

	ctx := context.Background()
	gotBiz, _ := target.CountRows(ctx, "businesses")
	gotCust, _ := target.CountRows(ctx, "customers")
	if gotBiz != 2 || gotCust != 9 {
		t.Errorf("target rows = %d businesses, %d customers, want 2/9 (demo excluded)", gotBiz, gotCust)
	}

	// Progress events must be monotonically non-decreasing and end at 100.
	last := -1
	var final SessionEvent
drain:
	for {
		select {
		case ev := <-events:
			if ev.Progress < last {
				t.Errorf("progress regressed %d -> %d", last, ev.Progress)
			}
			last = ev.Progress
			final = ev
		default:
			break drain
		}
	}
	if final.Status != StatusCompleted || final.Progress != 100 {
		t.Errorf("final event = %s/%d", final.Status, final.Progress)
	}

	if fix.orch.Cancel(id) {
		t.Error("Cancel on a completed session must report false")
	}
}

// TestOrchestrator_EmptySourceCompletes covers a freshly provisioned pair:
// no chunks are sent, so there is no receiver session to validate against,
// and the load must still complete.
func TestOrchestrator_EmptySourceCompletes(t *testing.T) {
	target := newTestStore(t)
	receiver := NewChunkReceiver(DefaultReceiverConfig(), target, NewSnapshotBuilder(target, "node-b"))
	api := NewSyncServer(DefaultSyncServerConfig(), nil, receiver, nil, nil, nil, NewTokenVerifier(testSecret))
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	fix := newOrchFixture(t, compatiblePeer(srv.URL))

	id, err := fix.orch.Initiate(context.Background(), "node-b", SessionOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	sess := waitTerminal(t, fix.orch, id)
	if sess.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED for an empty source", sess.Status, sess.ErrorMessage)
	}
	if sess.TotalRecords != 0 || sess.TransferredRecords != 0 {
		t.Errorf("records = %d/%d, want 0/0", sess.TransferredRecords, sess.TotalRecords)
	}
	if sess.Progress != 100 {
		t.Errorf("progress = %d, want 100", sess.Progress)
	}
}

func TestOrchestrator_InitiateValidation(t *testing.T) {
	fix := newOrchFixture(t, compatiblePeer("http://node-b:9462"))
	ctx := context.Background()

	tests := []struct {
		name   string
		target string
		opts   SessionOptions
	}{
		{"empty target", "", SessionOptions{}},
		{"self sync", "node-a", SessionOptions{}},
		{"unknown peer", "node-z", SessionOptions{}},
		{"bad table", "node-b", SessionOptions{SelectedTables: []string{"sync_sessions"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fix.orch.Initiate(ctx, tt.target, tt.opts); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if n := len(fix.orch.ActiveSessions()); n != 0 {
		t.Errorf("active sessions = %d after rejected initiations, want 0", n)
	}
}

func TestOrchestrator_GuardBlocksBeforeSessionCreation(t *testing.T) {
	incompatible := PeerDescriptor{NodeID: "node-b", Address: "http://node-b:9462", SchemaVersion: "2.0.0"}
	fix := newOrchFixture(t, incompatible)

	_, err := fix.orch.Initiate(context.Background(), "node-b", SessionOptions{})
	if !errors.Is(err, ErrCompatibilityBlocked) {
		t.Fatalf("err = %v, want ErrCompatibilityBlocked", err)
	}
	if n := len(fix.orch.ActiveSessions()); n != 0 {
		t.Errorf("blocked attempt created %d sessions", n)
	}

	list, _ := fix.sessions.List()
	if len(list) != 0 {
		t.Errorf("blocked attempt persisted %d sessions", len(list))
	}
}

// gatedTarget acknowledges chunks only after the gate opens, holding the
// session in TRANSFERRING.
func gatedTarget(gate chan struct{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/receive-chunk") {
			<-gate
			json.NewEncoder(w).Encode(ChunkResponse{Success: true})
			return
		}
		json.NewEncoder(w).Encode(ValidateTransferResponse{Valid: true})
	}))
}

func TestOrchestrator_PairConflict(t *testing.T) {
	gate := make(chan struct{})
	srv := gatedTarget(gate)
	defer srv.Close()

	fix := newOrchFixture(t, compatiblePeer(srv.URL))
	seedBusiness(t, fix.store, "b1", false)

	ctx := context.Background()
	first, err := fix.orch.Initiate(ctx, "node-b", SessionOptions{})
	if err != nil {
		t.Fatalf("first Initiate: %v", err)
	}

	if _, err := fix.orch.Initiate(ctx, "node-b", SessionOptions{}); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("second Initiate err = %v, want ErrSessionConflict", err)
	}

	close(gate)
	if sess := waitTerminal(t, fix.orch, first); sess.Status != StatusCompleted {
		t.Fatalf("first session = %s (%s)", sess.Status, sess.ErrorMessage)
	}

	// The pair frees up once the first session is terminal.
	second, err := fix.orch.Initiate(ctx, "node-b", SessionOptions{})
	if err != nil {
		t.Fatalf("Initiate after completion: %v", err)
	}
	waitTerminal(t, fix.orch, second)
}

func TestOrchestrator_ConcurrentInitiateSinglePair(t *testing.T) {
	gate := make(chan struct{})
	srv := gatedTarget(gate)
	defer srv.Close()

	fix := newOrchFixture(t, compatiblePeer(srv.URL))
	seedBusiness(t, fix.store, "b1", false)

	const racers = 8
	var wg sync.WaitGroup
	ids := make(chan string, racers)
	losers := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := fix.orch.Initiate(context.Background(), "node-b", SessionOptions{})
			if err != nil {
				losers <- err
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	close(losers)

	if len(ids) != 1 {
		t.Fatalf("%d initiations won the pair, want exactly 1", len(ids))
	}
	for err := range losers {
		if !errors.Is(err, ErrSessionConflict) {
			t.Errorf("loser err = %v, want ErrSessionConflict", err)
		}
	}

	close(gate)
	if sess := waitTerminal(t, fix.orch, <-ids); sess.Status != StatusCompleted {
		t.Fatalf("winner = %s (%s)", sess.Status, sess.ErrorMessage)
	}
}

func TestOrchestrator_CancelAtChunkBoundary(t *testing.T) {
	gate := make(chan struct{})
	srv := gatedTarget(gate)
	defer srv.Close()

	fix := newOrchFixture(t, compatiblePeer(srv.URL))
	seedBusiness(t, fix.store, "b1", false)
	seedCustomers(t, fix.store, "b1", 8)

	id, err := fix.orch.Initiate(context.Background(), "node-b", SessionOptions{BatchSize: 4})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := fix.orch.GetSession(id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess.Status == StatusTransferring {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never started transferring")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if !fix.orch.Cancel(id) {
		t.Fatal("Cancel during TRANSFERRING should succeed")
	}
	close(gate) // let the in-flight chunk finish; the next boundary observes

	sess := waitTerminal(t, fix.orch, id)
	if sess.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", sess.Status)
	}
	if sess.CompletedAt == nil {
		t.Error("cancelled session missing completion time")
	}
}

func TestOrchestrator_FailedTransferRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChunkResponse{Success: false, Error: "disk full"})
	}))
	defer srv.Close()

	fix := newOrchFixture(t, compatiblePeer(srv.URL))
	seedBusiness(t, fix.store, "b1", false)

	id, err := fix.orch.Initiate(context.Background(), "node-b", SessionOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	sess := waitTerminal(t, fix.orch, id)
	if sess.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", sess.Status)
	}
	if !strings.Contains(sess.ErrorMessage, "disk full") {
		t.Errorf("error message = %q, want peer's reason preserved", sess.ErrorMessage)
	}
}

func TestOrchestrator_ValidationMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/receive-chunk") {
			json.NewEncoder(w).Encode(ChunkResponse{Success: true})
			return
		}
		json.NewEncoder(w).Encode(ValidateTransferResponse{Valid: false, Error: "record count mismatch"})
	}))
	defer srv.Close()

	fix := newOrchFixture(t, compatiblePeer(srv.URL))
	seedBusiness(t, fix.store, "b1", false)

	id, err := fix.orch.Initiate(context.Background(), "node-b", SessionOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	sess := waitTerminal(t, fix.orch, id)
	if sess.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED on validation mismatch", sess.Status)
	}
}

func TestOrchestrator_RecoversInterruptedSessions(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store.DB())

	orphan := storedSession("orphan", "node-a", StatusTransferring, time.Now().Add(-time.Minute))
	if err := sessions.Save(orphan); err != nil {
		t.Fatalf("Save: %v", err)
	}
	done := storedSession("done", "node-a", StatusCompleted, time.Now().Add(-time.Hour))
	if err := sessions.Save(done); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Restarted process: fresh store and orchestrator over the same database.
	restarted := NewSessionStore(store.DB())
	guard := NewCompatGuard(DefaultGuardConfig(localSchema()), nil)
	orch := NewOrchestrator(OrchestratorConfig{NodeID: "node-a"},
		guard, NewSnapshotBuilder(store, "node-a"), NewChunkEngine(store, DefaultTransferConfig()),
		restarted, NewProgressBroker(0), NewStaticPeerDirectory())
	orch.Start()
	defer orch.Stop()

	got, err := restarted.Get("orphan")
	if err != nil {
		t.Fatalf("Get orphan: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("orphan status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "interrupted by node restart") {
		t.Errorf("orphan error = %q", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("recovered session missing completion time")
	}

	if done, err := restarted.Get("done"); err != nil || done.Status != StatusCompleted {
		t.Errorf("terminal session touched by recovery: %+v, %v", done, err)
	}
}
