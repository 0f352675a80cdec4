package nodesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// HTTPDoer allows injecting a custom HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransferChunk is one bounded page of rows for one table, the unit of wire
// transfer. Chunks are transient; they exist only for the duration of one
// send and are never durably stored.
type TransferChunk struct {
	ChunkID        string `json:"chunk_id"`
	SessionID      string `json:"session_id"`
	TableName      string `json:"table_name"`
	SequenceNumber int    `json:"sequence_number"`
	TotalChunks    int    `json:"total_chunks"`
	Rows           []Row  `json:"rows"`

	// Checksum is computed over the canonical serialization of Rows and is
	// independent of internal iteration order.
	Checksum string `json:"checksum"`

	// CompressedSize is the estimated snappy-encoded payload size when
	// compression is enabled for the session. Actual wire compression is a
	// transport concern.
	CompressedSize int64 `json:"compressed_size,omitempty"`

	// IsEncrypted flags the chunk for transport-level encryption.
	IsEncrypted bool `json:"is_encrypted"`
}

// ChunkResponse is the receiving node's acknowledgement for one chunk.
type ChunkResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TransferConfig configures the chunk transfer engine.
type TransferConfig struct {
	// Timeout for each per-chunk request. Default: 30s
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// ChunkRetries is the number of bounded retries per chunk on transport
	// failure. Default 0: the first failure aborts the whole session, which
	// is the behavior resource-constrained peers rely on.
	ChunkRetries int `json:"chunk_retries" yaml:"chunk_retries"`

	// RetryBackoff is the initial backoff when ChunkRetries > 0.
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// HTTPClient allows injecting a custom HTTP client for testing.
	HTTPClient HTTPDoer `json:"-" yaml:"-"`
}

// DefaultTransferConfig returns default transfer configuration.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		Timeout:      30 * time.Second,
		ChunkRetries: 0,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// ChunkEngine slices snapshot tables into bounded pages and delivers them
// sequentially to a target peer. One session never has concurrent in-flight
// chunks.
type ChunkEngine struct {
	store   *DataStore
	cfg     TransferConfig
	client  HTTPDoer
	retryer *Retryer
}

// NewChunkEngine creates an engine over the local data store.
func NewChunkEngine(store *DataStore, cfg TransferConfig) *ChunkEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	e := &ChunkEngine{store: store, cfg: cfg}
	if cfg.HTTPClient != nil {
		e.client = cfg.HTTPClient
	} else {
		e.client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.ChunkRetries > 0 {
		e.retryer = NewRetryer(RetryConfig{
			MaxAttempts:    cfg.ChunkRetries + 1,
			InitialBackoff: cfg.RetryBackoff,
		})
	}
	return e
}

// ChunkTable pages one table of the session into chunks. Sequence numbers run
// 0..TotalChunks-1 with no gaps; rows are fetched in creation order so
// repeated runs over unchanged data produce identical pages.
func (e *ChunkEngine) ChunkTable(ctx context.Context, session *InitialLoadSession, table TableSnapshot) ([]TransferChunk, error) {
	batch := session.Metadata.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	total := int((table.RecordCount + int64(batch) - 1) / int64(batch))
	chunks := make([]TransferChunk, 0, total)

	for seq := 0; seq < total; seq++ {
		rows, err := e.store.FetchPage(ctx, table.TableName, seq*batch, batch)
		if err != nil {
			return nil, fmt.Errorf("chunk %s[%d]: %w", table.TableName, seq, err)
		}
		chunk := TransferChunk{
			ChunkID:        uuid.NewString(),
			SessionID:      session.SessionID,
			TableName:      table.TableName,
			SequenceNumber: seq,
			TotalChunks:    total,
			Rows:           rows,
			IsEncrypted:    session.Metadata.EncryptionEnabled,
		}
		chunk.Checksum = ChunkChecksum(rows)
		if session.Metadata.CompressionEnabled {
			chunk.CompressedSize = estimateCompressedSize(rows)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Send delivers one chunk to the target peer. A transport failure or
// non-success acknowledgement is fatal to the caller's session unless bounded
// retry is configured.
func (e *ChunkEngine) Send(ctx context.Context, chunk TransferChunk, peer PeerDescriptor) error {
	if e.retryer == nil {
		return e.sendOnce(ctx, chunk, peer)
	}
	result := e.retryer.Do(ctx, func() error {
		return e.sendOnce(ctx, chunk, peer)
	})
	return result.LastErr
}

func (e *ChunkEngine) sendOnce(ctx context.Context, chunk TransferChunk, peer PeerDescriptor) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return newSyncError(SyncErrorTypeValidation, "marshal chunk", chunk.SessionID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		peer.Address+"/sync/receive-chunk", bytes.NewReader(payload))
	if err != nil {
		return newSyncError(SyncErrorTypeTransport, "create request", chunk.SessionID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+peer.AuthToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return newSyncError(SyncErrorTypeTransport,
			fmt.Sprintf("send chunk %s[%d] to %s", chunk.TableName, chunk.SequenceNumber, peer.NodeID),
			chunk.SessionID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return newSyncError(SyncErrorTypeTransport,
			fmt.Sprintf("peer %s returned status %d for chunk %s[%d]",
				peer.NodeID, resp.StatusCode, chunk.TableName, chunk.SequenceNumber),
			chunk.SessionID, nil)
	}

	var ack ChunkResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return newSyncError(SyncErrorTypeTransport, "decode chunk acknowledgement", chunk.SessionID, err)
	}
	if !ack.Success {
		return newSyncError(SyncErrorTypeTransport,
			fmt.Sprintf("peer %s rejected chunk %s[%d]: %s",
				peer.NodeID, chunk.TableName, chunk.SequenceNumber, ack.Error),
			chunk.SessionID, nil)
	}
	return nil
}

// ChunkChecksum hashes the canonical serialization of a page. Rows are maps,
// and encoding/json writes map keys in sorted order, so the digest does not
// depend on iteration order. Receivers decode rows with UseNumber, which
// preserves numeric literals verbatim, so recomputing over decoded rows
// reproduces the sender's digest even for integers beyond float64's exact
// range.
func ChunkChecksum(rows []Row) string {
	data, _ := json.Marshal(rows)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// estimateCompressedSize reports the snappy-encoded length of the page.
func estimateCompressedSize(rows []Row) int64 {
	data, err := json.Marshal(rows)
	if err != nil {
		return 0
	}
	return int64(len(snappy.Encode(nil, data)))
}
