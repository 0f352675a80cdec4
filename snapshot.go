package nodesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// snapshotSampleSize is the number of rows serialized to estimate a table's
// total byte size.
const snapshotSampleSize = 10

// TableSnapshot is the inventory of one replicable table.
type TableSnapshot struct {
	TableName    string `json:"table_name"`
	RecordCount  int64  `json:"record_count"`
	DataSize     int64  `json:"data_size"`
	LastModified int64  `json:"last_modified"`
}

// DataSnapshot is a point-in-time inventory of all replicable tables.
// Immutable once built; persisted only as audit metadata.
type DataSnapshot struct {
	SnapshotID   string          `json:"snapshot_id"`
	NodeID       string          `json:"node_id"`
	CreatedAt    time.Time       `json:"created_at"`
	TotalRecords int64           `json:"total_records"`
	TotalSize    int64           `json:"total_size"`
	Checksum     string          `json:"checksum"`
	Tables       []TableSnapshot `json:"tables"`
}

// Table returns the snapshot entry for the named table.
func (s *DataSnapshot) Table(name string) (TableSnapshot, bool) {
	for _, t := range s.Tables {
		if t.TableName == name {
			return t, true
		}
	}
	return TableSnapshot{}, false
}

// SnapshotBuilder inventories the replicable business tables.
type SnapshotBuilder struct {
	store  *DataStore
	nodeID string
}

// NewSnapshotBuilder creates a builder over the local data store.
func NewSnapshotBuilder(store *DataStore, nodeID string) *SnapshotBuilder {
	return &SnapshotBuilder{store: store, nodeID: nodeID}
}

// Build inventories every table on the allow-list. A failure analyzing one
// table is logged and that table contributes zero to all totals; it never
// aborts the snapshot.
func (b *SnapshotBuilder) Build(ctx context.Context) (*DataSnapshot, error) {
	snap := &DataSnapshot{
		SnapshotID: uuid.NewString(),
		NodeID:     b.nodeID,
		CreatedAt:  time.Now(),
	}

	for _, table := range ReplicableTables {
		ts, err := b.analyzeTable(ctx, table)
		if err != nil {
			slog.Warn("snapshot table analysis failed", "table", table, "err", err)
			snap.Tables = append(snap.Tables, TableSnapshot{TableName: table})
			continue
		}
		snap.Tables = append(snap.Tables, ts)
		snap.TotalRecords += ts.RecordCount
		snap.TotalSize += ts.DataSize
	}

	snap.Checksum = structuralChecksum(snap.Tables)
	slog.Info("snapshot built",
		"snapshot", snap.SnapshotID,
		"records", snap.TotalRecords,
		"size", snap.TotalSize)
	return snap, nil
}

func (b *SnapshotBuilder) analyzeTable(ctx context.Context, table string) (TableSnapshot, error) {
	count, err := b.store.CountRows(ctx, table)
	if err != nil {
		return TableSnapshot{}, err
	}

	ts := TableSnapshot{TableName: table, RecordCount: count}
	if count == 0 {
		return ts, nil
	}

	size, err := b.estimateSize(ctx, table, count)
	if err != nil {
		return TableSnapshot{}, err
	}
	ts.DataSize = size

	modified, err := b.store.MaxModified(ctx, table)
	if err != nil {
		return TableSnapshot{}, err
	}
	ts.LastModified = modified
	return ts, nil
}

// estimateSize serializes a small sample and extrapolates by row count.
func (b *SnapshotBuilder) estimateSize(ctx context.Context, table string, count int64) (int64, error) {
	sample, err := b.store.SampleRows(ctx, table, snapshotSampleSize)
	if err != nil {
		return 0, err
	}
	if len(sample) == 0 {
		return 0, nil
	}

	data, err := json.Marshal(sample)
	if err != nil {
		return 0, fmt.Errorf("serialize sample of %s: %w", table, err)
	}
	perRow := float64(len(data)) / float64(len(sample))
	return int64(perRow * float64(count)), nil
}

// structuralChecksum hashes the (table, count, size) triples in fixed table
// order. It detects structural drift between snapshots, not row-level content
// corruption; that trade-off keeps snapshot builds cheap.
func structuralChecksum(tables []TableSnapshot) string {
	h := sha256.New()
	for _, t := range tables {
		fmt.Fprintf(h, "%s:%d:%d;", t.TableName, t.RecordCount, t.DataSize)
	}
	return hex.EncodeToString(h.Sum(nil))
}
