package nodesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Progress weights for the five execution phases.
const (
	progressSnapshot      = 10
	progressChunkPrepared = 20
	progressTransferEnd   = 80
	progressValidated     = 85
	progressComplete      = 100
)

// OrchestratorConfig configures the session orchestrator.
type OrchestratorConfig struct {
	// NodeID identifies this node as the session source.
	NodeID string `json:"node_id" yaml:"node_id"`

	// ValidateTimeout bounds the post-transfer validation round-trip.
	// Default: 30s
	ValidateTimeout time.Duration `json:"validate_timeout" yaml:"validate_timeout"`

	// HTTPClient allows injecting a custom HTTP client for testing.
	HTTPClient HTTPDoer `json:"-" yaml:"-"`
}

// Orchestrator owns the lifecycle of initial-load sessions end to end:
// guard check, snapshot, chunking, sequential transfer, validation, and
// terminal bookkeeping. Independent sessions (distinct node pairs) run
// concurrently; at most one non-terminal session exists per ordered pair.
type Orchestrator struct {
	cfg      OrchestratorConfig
	guard    *CompatGuard
	builder  *SnapshotBuilder
	engine   *ChunkEngine
	sessions *SessionStore
	broker   *ProgressBroker
	peers    PeerDirectory
	client   HTTPDoer
	archiver *AuditArchiver

	// active is the shared in-memory session index: concurrent readers
	// (status polling), one writer per session id (the executing task).
	mu      sync.RWMutex
	active  map[string]*InitialLoadSession
	pairs   map[string]string // source->target pair key to session id
	cancels map[string]*atomic.Bool

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the orchestrator's collaborators together.
func NewOrchestrator(cfg OrchestratorConfig, guard *CompatGuard, builder *SnapshotBuilder,
	engine *ChunkEngine, sessions *SessionStore, broker *ProgressBroker, peers PeerDirectory) *Orchestrator {

	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		guard:    guard,
		builder:  builder,
		engine:   engine,
		sessions: sessions,
		broker:   broker,
		peers:    peers,
		active:   make(map[string]*InitialLoadSession),
		pairs:    make(map[string]string),
		cancels:  make(map[string]*atomic.Bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.HTTPClient != nil {
		o.client = cfg.HTTPClient
	} else {
		o.client = &http.Client{Timeout: cfg.ValidateTimeout}
	}
	return o
}

// SetArchiver attaches an optional S3 audit archiver. Terminal sessions and
// built snapshots are uploaded best-effort.
func (o *Orchestrator) SetArchiver(a *AuditArchiver) {
	o.archiver = a
}

// Start recovers persisted sessions and accepts new work. Reloaded
// non-terminal sessions are marked FAILED immediately: no resumption protocol
// exists, and an inert orphan is worse than an honest failure.
func (o *Orchestrator) Start() {
	if o.running.Swap(true) {
		return
	}

	reloaded, err := o.sessions.LoadActive(o.cfg.NodeID)
	if err != nil {
		slog.Warn("session recovery scan failed", "err", err)
		return
	}
	for _, sess := range reloaded {
		sess.Status = StatusFailed
		sess.ErrorMessage = "interrupted by node restart"
		now := time.Now()
		sess.CompletedAt = &now
		if err := o.sessions.Save(sess); err != nil {
			slog.Warn("failed to persist recovered session", "session", sess.SessionID, "err", err)
		}
		slog.Info("recovered interrupted session as failed", "session", sess.SessionID)
	}
}

// Stop cancels running sessions and waits for their tasks to observe it.
func (o *Orchestrator) Stop() {
	if !o.running.Swap(false) {
		return
	}
	o.cancel()
	o.wg.Wait()
}

func pairKey(source, target string) string {
	return source + "->" + target
}

// Initiate starts an initial load toward the target peer. The guard is
// consulted first: a blocked attempt returns immediately with the reason and
// creates no session. On approval the session is created, persisted, and
// executed on its own goroutine; the returned id is the caller's only handle.
func (o *Orchestrator) Initiate(ctx context.Context, targetNodeID string, opts SessionOptions) (string, error) {
	if targetNodeID == "" {
		return "", newSyncError(SyncErrorTypeValidation, "target node id is required", "", nil)
	}
	if targetNodeID == o.cfg.NodeID {
		return "", newSyncError(SyncErrorTypeValidation, "cannot sync a node to itself", "", nil)
	}
	peer, ok := o.peers.GetPeer(targetNodeID)
	if !ok {
		return "", newSyncError(SyncErrorTypeValidation,
			fmt.Sprintf("unknown peer %q", targetNodeID), "", nil)
	}
	for _, table := range opts.SelectedTables {
		if !replicable(table) {
			return "", newSyncError(SyncErrorTypeValidation,
				fmt.Sprintf("table %q is not replicable", table), "", nil)
		}
	}

	decision := o.guard.EvaluatePeer(peer)
	if !decision.Allowed {
		return "", newSyncError(SyncErrorTypeCompatibility, decision.Reason, "", ErrCompatibilityBlocked)
	}

	sess := &InitialLoadSession{
		SessionID:    uuid.NewString(),
		SourceNodeID: o.cfg.NodeID,
		TargetNodeID: targetNodeID,
		StartedAt:    time.Now(),
		Status:       StatusPreparing,
		CurrentStep:  "initializing",
		Metadata:     opts.metadata(),
	}

	key := pairKey(o.cfg.NodeID, targetNodeID)
	o.mu.Lock()
	if existing, ok := o.pairs[key]; ok {
		o.mu.Unlock()
		return "", newSyncError(SyncErrorTypeValidation,
			fmt.Sprintf("session %s already active for this node pair", existing), "", ErrSessionConflict)
	}
	o.active[sess.SessionID] = sess
	o.pairs[key] = sess.SessionID
	o.cancels[sess.SessionID] = &atomic.Bool{}
	o.mu.Unlock()

	if err := o.sessions.Save(sess); err != nil {
		slog.Warn("failed to persist new session", "session", sess.SessionID, "err", err)
	}
	o.publish(sess)
	slog.Info("initial load session created",
		"session", sess.SessionID, "target", targetNodeID, "tables", len(sess.Metadata.SelectedTables))

	o.wg.Add(1)
	go o.run(sess, peer)

	return sess.SessionID, nil
}

// run executes one session as a single sequential task.
func (o *Orchestrator) run(sess *InitialLoadSession, peer PeerDescriptor) {
	defer o.wg.Done()

	if err := o.execute(sess, peer); err != nil {
		if cancelled(err) {
			return // already finalized as CANCELLED
		}
		o.fail(sess, err)
	}
}

// cancelled reports whether execute ended via cooperative cancellation.
func cancelled(err error) bool {
	return err == errSessionCancelled
}

var errSessionCancelled = fmt.Errorf("session cancelled")

// execute runs the five phases with fixed progress weights: snapshot (10),
// chunk preparation (20), sequential transfer (20-80 linear in chunks),
// validation (85), completion (100). State is persisted after every phase
// and after every chunk.
func (o *Orchestrator) execute(sess *InitialLoadSession, peer PeerDescriptor) error {
	// Phase 1: snapshot.
	o.update(sess, func() { sess.CurrentStep = "building snapshot" })

	snap, err := o.builder.Build(o.ctx)
	if err != nil {
		return newSyncError(SyncErrorTypeUnknown, "snapshot failed", sess.SessionID, err)
	}
	o.archiver.ArchiveSnapshot(o.ctx, snap)

	selected := make(map[string]bool, len(sess.Metadata.SelectedTables))
	for _, t := range sess.Metadata.SelectedTables {
		selected[t] = true
	}
	var total int64
	for _, t := range snap.Tables {
		if selected[t.TableName] {
			total += t.RecordCount
		}
	}
	o.update(sess, func() {
		sess.TotalRecords = total
		sess.advance(progressSnapshot, "snapshot complete")
	})
	if o.observeCancel(sess) {
		return errSessionCancelled
	}

	// Phase 2: chunk preparation. Tables keep snapshot order; tables that
	// failed analysis have zero records and produce no chunks.
	o.update(sess, func() { sess.CurrentStep = "preparing chunks" })

	var chunks []TransferChunk
	var sentTables []TableSnapshot
	for _, table := range snap.Tables {
		if !selected[table.TableName] || table.RecordCount == 0 {
			continue
		}
		tableChunks, err := o.engine.ChunkTable(o.ctx, sess, table)
		if err != nil {
			return newSyncError(SyncErrorTypeUnknown,
				fmt.Sprintf("chunking table %s failed", table.TableName), sess.SessionID, err)
		}
		chunks = append(chunks, tableChunks...)
		sentTables = append(sentTables, table)
	}
	o.update(sess, func() {
		sess.advance(progressChunkPrepared, fmt.Sprintf("prepared %d chunks", len(chunks)))
	})
	if o.observeCancel(sess) {
		return errSessionCancelled
	}

	// Phase 3: sequential transfer. Cancellation is observed only between
	// chunks, never preempting one in flight.
	o.update(sess, func() {
		sess.Status = StatusTransferring
		sess.CurrentStep = "transferring"
	})
	o.persist(sess)

	for i, chunk := range chunks {
		if o.observeCancel(sess) {
			return errSessionCancelled
		}
		if err := o.engine.Send(o.ctx, chunk, peer); err != nil {
			return err
		}

		sent := i + 1
		progress := progressChunkPrepared +
			(progressTransferEnd-progressChunkPrepared)*sent/len(chunks)
		o.update(sess, func() {
			sess.TransferredRecords += int64(len(chunk.Rows))
			sess.TransferredBytes += chunkWireSize(chunk)
			sess.advance(progress, fmt.Sprintf("transferred chunk %d/%d", sent, len(chunks)))
		})
	}

	// Phase 4: validation. A mismatch fails the session even though every
	// chunk nominally transferred; this guards against silent loss. An empty
	// transfer is skipped outright: the target never saw the session and has
	// nothing to confirm.
	if sess.Metadata.ChecksumVerification && len(chunks) > 0 {
		o.update(sess, func() {
			sess.Status = StatusValidating
			sess.advance(progressValidated, "validating transfer")
		})
		o.persist(sess)

		if err := o.validateTransfer(sess, peer, sentTables); err != nil {
			return err
		}
	}

	// Phase 5: completion.
	o.update(sess, func() {
		sess.Status = StatusCompleted
		now := time.Now()
		sess.CompletedAt = &now
		sess.advance(progressComplete, "completed")
	})
	o.finalize(sess)
	slog.Info("initial load completed",
		"session", sess.SessionID,
		"records", sess.TransferredRecords,
		"bytes", sess.TransferredBytes)
	return nil
}

// chunkWireSize is the byte contribution of one chunk to transfer stats.
func chunkWireSize(chunk TransferChunk) int64 {
	if chunk.CompressedSize > 0 {
		return chunk.CompressedSize
	}
	data, err := json.Marshal(chunk.Rows)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// validateTransfer asks the target to confirm the expected record count and
// structural checksum arrived. The checksum covers exactly the tables that
// produced chunks, so the target can reproduce it from received data.
func (o *Orchestrator) validateTransfer(sess *InitialLoadSession, peer PeerDescriptor, sentTables []TableSnapshot) error {
	reqBody, err := json.Marshal(ValidateTransferRequest{
		SessionID:           sess.SessionID,
		ExpectedChecksum:    structuralChecksum(sentTables),
		ExpectedRecordCount: sess.TotalRecords,
	})
	if err != nil {
		return newSyncError(SyncErrorTypeValidation, "marshal validation request", sess.SessionID, err)
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.ValidateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		peer.Address+"/sync/validate-transfer", bytes.NewReader(reqBody))
	if err != nil {
		return newSyncError(SyncErrorTypeTransport, "create validation request", sess.SessionID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+peer.AuthToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return newSyncError(SyncErrorTypeTransport, "validation round-trip failed", sess.SessionID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return newSyncError(SyncErrorTypeTransport,
			fmt.Sprintf("peer %s returned status %d for validation", peer.NodeID, resp.StatusCode),
			sess.SessionID, nil)
	}

	var vr ValidateTransferResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return newSyncError(SyncErrorTypeTransport, "decode validation response", sess.SessionID, err)
	}
	if !vr.Valid {
		return newSyncError(SyncErrorTypeChecksum,
			fmt.Sprintf("target rejected transfer: %s", vr.Error), sess.SessionID, ErrChecksumMismatch)
	}
	return nil
}

// Cancel requests cooperative cancellation. It succeeds only while the
// session is PREPARING or TRANSFERRING; terminal (and validating) sessions
// report false. The running task observes the flag at the next chunk
// boundary.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.RLock()
	sess, ok := o.active[sessionID]
	flag := o.cancels[sessionID]
	var status SessionStatus
	if ok {
		status = sess.Status
	}
	o.mu.RUnlock()

	if !ok || flag == nil {
		return false
	}
	if status != StatusPreparing && status != StatusTransferring {
		return false
	}
	flag.Store(true)
	slog.Info("session cancellation requested", "session", sessionID)
	return true
}

// observeCancel finalizes the session as CANCELLED if a cancel was requested
// or the orchestrator is shutting down.
func (o *Orchestrator) observeCancel(sess *InitialLoadSession) bool {
	o.mu.RLock()
	flag := o.cancels[sess.SessionID]
	o.mu.RUnlock()

	requested := flag != nil && flag.Load()
	if !requested {
		select {
		case <-o.ctx.Done():
			requested = true
		default:
		}
	}
	if !requested {
		return false
	}

	o.update(sess, func() {
		sess.Status = StatusCancelled
		now := time.Now()
		sess.CompletedAt = &now
		sess.CurrentStep = "cancelled"
	})
	o.finalize(sess)
	slog.Info("session cancelled", "session", sess.SessionID)
	return true
}

// fail marks the session FAILED with a human-readable reason. The persisted
// record survives for audit; the session leaves the active set. No automatic
// retry happens here: retrying means a fresh Initiate call.
func (o *Orchestrator) fail(sess *InitialLoadSession, cause error) {
	o.update(sess, func() {
		sess.Status = StatusFailed
		sess.ErrorMessage = cause.Error()
		now := time.Now()
		sess.CompletedAt = &now
		sess.CurrentStep = "failed"
	})
	o.finalize(sess)
	slog.Error("initial load failed", "session", sess.SessionID, "err", cause)
}

// update applies a mutation under the index lock, then persists and notifies.
func (o *Orchestrator) update(sess *InitialLoadSession, mutate func()) {
	o.mu.Lock()
	mutate()
	o.mu.Unlock()
	o.persist(sess)
}

// persist saves the current state and publishes a progress event.
func (o *Orchestrator) persist(sess *InitialLoadSession) {
	o.mu.RLock()
	snapshot := sess.clone()
	o.mu.RUnlock()

	if err := o.sessions.Save(snapshot); err != nil {
		slog.Warn("failed to persist session", "session", snapshot.SessionID, "err", err)
	}
	o.broker.Publish(eventFor(snapshot))
}

// publish emits the current state without persisting.
func (o *Orchestrator) publish(sess *InitialLoadSession) {
	o.mu.RLock()
	ev := eventFor(sess)
	o.mu.RUnlock()
	o.broker.Publish(ev)
}

// finalize removes a terminal session from the active set. The durable
// record remains for audit.
func (o *Orchestrator) finalize(sess *InitialLoadSession) {
	o.mu.Lock()
	record := sess.clone()
	delete(o.active, sess.SessionID)
	delete(o.cancels, sess.SessionID)
	key := pairKey(sess.SourceNodeID, sess.TargetNodeID)
	if o.pairs[key] == sess.SessionID {
		delete(o.pairs, key)
	}
	o.mu.Unlock()

	o.archiver.ArchiveSession(context.Background(), record)
}

// GetSession returns the current state of a session, live or historical.
func (o *Orchestrator) GetSession(sessionID string) (*InitialLoadSession, error) {
	o.mu.RLock()
	if sess, ok := o.active[sessionID]; ok {
		defer o.mu.RUnlock()
		return sess.clone(), nil
	}
	o.mu.RUnlock()
	return o.sessions.Get(sessionID)
}

// ActiveSessions returns the non-terminal sessions owned by this node.
func (o *Orchestrator) ActiveSessions() []*InitialLoadSession {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*InitialLoadSession, 0, len(o.active))
	for _, sess := range o.active {
		out = append(out, sess.clone())
	}
	return out
}
