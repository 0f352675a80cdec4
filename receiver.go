package nodesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InitialLoadRequest asks a node to start pushing its data to the requester.
type InitialLoadRequest struct {
	RequestingNodeID   string   `json:"requestingNodeId"`
	SelectedTables     []string `json:"selectedTables,omitempty"`
	CompressionEnabled bool     `json:"compressionEnabled"`
	EncryptionEnabled  bool     `json:"encryptionEnabled"`
}

// InitialLoadResponse carries the created session id.
type InitialLoadResponse struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ValidateTransferRequest asks the target to confirm what it received.
type ValidateTransferRequest struct {
	SessionID           string `json:"sessionId"`
	ExpectedChecksum    string `json:"expectedChecksum"`
	ExpectedRecordCount int64  `json:"expectedRecordCount"`
}

// ValidateTransferResponse is the target's verdict.
type ValidateTransferResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ReceiverConfig configures the chunk receiver.
type ReceiverConfig struct {
	// VerifyChecksums re-verifies each chunk's content checksum before
	// applying it. Default: true (disabled only via the Skip field).
	SkipChunkChecksums bool `json:"skip_chunk_checksums" yaml:"skip_chunk_checksums"`

	// SessionTTL is how long receiver-side session state is kept after the
	// last chunk before being dropped. Default: 1h
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl"`
}

// DefaultReceiverConfig returns default receiver configuration.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{SessionTTL: time.Hour}
}

// recvTable tracks one table's arrival state within a receiver session.
type recvTable struct {
	nextSeq     int
	totalChunks int
	records     int64
}

// recvSession is the receiving side's view of one initial-load session. mu
// guards the arrival state so concurrent deliveries serialize through the
// check-then-apply path.
type recvSession struct {
	sessionID string

	mu        sync.Mutex
	tables    map[string]*recvTable
	records   int64
	lastChunk time.Time
}

// complete reports whether every table that started arriving has all chunks.
func (r *recvSession) complete() bool {
	for _, t := range r.tables {
		if t.nextSeq != t.totalChunks {
			return false
		}
	}
	return true
}

// ChunkReceiver applies incoming chunks on the target node. Chunks for one
// table must arrive in strict sequence order over the reliable transport;
// gaps are rejected and duplicates are acknowledged idempotently without
// re-applying.
type ChunkReceiver struct {
	cfg     ReceiverConfig
	store   *DataStore
	builder *SnapshotBuilder

	mu       sync.Mutex
	sessions map[string]*recvSession
}

// NewChunkReceiver creates a receiver applying into the local data store.
func NewChunkReceiver(cfg ReceiverConfig, store *DataStore, builder *SnapshotBuilder) *ChunkReceiver {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	return &ChunkReceiver{
		cfg:      cfg,
		store:    store,
		builder:  builder,
		sessions: make(map[string]*recvSession),
	}
}

// ReceiveChunk validates ordering and content, then applies the rows.
func (r *ChunkReceiver) ReceiveChunk(ctx context.Context, chunk TransferChunk) error {
	if chunk.SessionID == "" {
		return newSyncError(SyncErrorTypeValidation, "chunk has no session id", "", nil)
	}
	if !replicable(chunk.TableName) {
		return newSyncError(SyncErrorTypeValidation,
			fmt.Sprintf("table %q is not replicable", chunk.TableName), chunk.SessionID, nil)
	}

	r.mu.Lock()
	sess, ok := r.sessions[chunk.SessionID]
	if !ok {
		sess = &recvSession{
			sessionID: chunk.SessionID,
			tables:    make(map[string]*recvTable),
		}
		r.sessions[chunk.SessionID] = sess
		r.evictStaleLocked()
	}
	r.mu.Unlock()

	// The session stays locked for the whole check-then-apply path so two
	// concurrent deliveries of the same chunk cannot both pass the sequence
	// check and double-count the rows.
	sess.mu.Lock()
	defer sess.mu.Unlock()

	table, ok := sess.tables[chunk.TableName]
	if !ok {
		table = &recvTable{totalChunks: chunk.TotalChunks}
		sess.tables[chunk.TableName] = table
	}

	switch {
	case chunk.SequenceNumber < table.nextSeq:
		// Duplicate delivery of an applied chunk: acknowledge, don't re-apply.
		return nil
	case chunk.SequenceNumber > table.nextSeq:
		return newSyncError(SyncErrorTypeValidation,
			fmt.Sprintf("chunk %s[%d] arrived before [%d]", chunk.TableName, chunk.SequenceNumber, table.nextSeq),
			chunk.SessionID, ErrSequenceGap)
	}

	if !r.cfg.SkipChunkChecksums && chunk.Checksum != "" {
		if got := ChunkChecksum(chunk.Rows); got != chunk.Checksum {
			return newSyncError(SyncErrorTypeChecksum,
				fmt.Sprintf("chunk %s[%d] checksum mismatch", chunk.TableName, chunk.SequenceNumber),
				chunk.SessionID, ErrChecksumMismatch)
		}
	}

	if _, err := r.store.ApplyRows(ctx, chunk.TableName, chunk.Rows); err != nil {
		return newSyncError(SyncErrorTypeUnknown,
			fmt.Sprintf("apply chunk %s[%d]", chunk.TableName, chunk.SequenceNumber),
			chunk.SessionID, err)
	}

	table.nextSeq = chunk.SequenceNumber + 1
	table.records += int64(len(chunk.Rows))
	sess.records += int64(len(chunk.Rows))
	sess.lastChunk = time.Now()

	slog.Debug("chunk applied",
		"session", chunk.SessionID,
		"table", chunk.TableName,
		"seq", chunk.SequenceNumber,
		"rows", len(chunk.Rows))
	return nil
}

// ValidateTransfer answers the sender's post-transfer validation: the
// received record count must match, every table must be sequence-complete,
// and the structural checksum recomputed over the received tables must match
// the sender's expectation. Sampling-based size estimation is deterministic
// over identical data, so a fresh target reproduces the sender's figures.
func (r *ChunkReceiver) ValidateTransfer(ctx context.Context, req ValidateTransferRequest) ValidateTransferResponse {
	r.mu.Lock()
	sess, ok := r.sessions[req.SessionID]
	r.mu.Unlock()

	if !ok {
		return ValidateTransferResponse{Error: "unknown session"}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.complete() {
		return ValidateTransferResponse{Error: "transfer incomplete: missing chunks"}
	}
	if sess.records != req.ExpectedRecordCount {
		return ValidateTransferResponse{
			Error: fmt.Sprintf("record count mismatch: received %d, expected %d",
				sess.records, req.ExpectedRecordCount),
		}
	}

	if req.ExpectedChecksum != "" {
		got, err := r.receivedChecksum(ctx, sess)
		if err != nil {
			return ValidateTransferResponse{Error: fmt.Sprintf("checksum recompute failed: %v", err)}
		}
		if got != req.ExpectedChecksum {
			return ValidateTransferResponse{
				Error: fmt.Sprintf("structural checksum mismatch: received %s, expected %s",
					got, req.ExpectedChecksum),
			}
		}
	}

	slog.Info("transfer validated", "session", req.SessionID, "records", sess.records)
	return ValidateTransferResponse{Valid: true}
}

// receivedChecksum rebuilds the structural checksum over exactly the tables
// that arrived in this session, in fixed table order.
func (r *ChunkReceiver) receivedChecksum(ctx context.Context, sess *recvSession) (string, error) {
	var tables []TableSnapshot
	for _, name := range ReplicableTables {
		if _, ok := sess.tables[name]; !ok {
			continue
		}
		ts, err := r.builder.analyzeTable(ctx, name)
		if err != nil {
			return "", err
		}
		tables = append(tables, ts)
	}
	return structuralChecksum(tables), nil
}

// evictStaleLocked drops receiver sessions idle past the TTL. Called with
// the mutex held when a new session arrives.
func (r *ChunkReceiver) evictStaleLocked() {
	cutoff := time.Now().Add(-r.cfg.SessionTTL)
	for id, sess := range r.sessions {
		sess.mu.Lock()
		stale := !sess.lastChunk.IsZero() && sess.lastChunk.Before(cutoff)
		sess.mu.Unlock()
		if stale {
			delete(r.sessions, id)
		}
	}
}
