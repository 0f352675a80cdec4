package nodesync

import (
	"context"
	"log/slog"
	"time"
)

// ChangeEvent is one per-record change emitted by the (external) change
// tracker after an initial load, for incremental sync.
type ChangeEvent struct {
	Table      string    `json:"table"`
	RecordID   string    `json:"record_id"`
	BusinessID string    `json:"business_id"`
	Operation  string    `json:"operation"` // insert, update, delete
	OccurredAt time.Time `json:"occurred_at"`
	Row        Row       `json:"row,omitempty"`
}

// ChangeSink consumes change events bound for one peer.
type ChangeSink interface {
	Emit(ctx context.Context, target PeerDescriptor, ev ChangeEvent) error
}

// GatedChangeFeed enforces the same rules on the incremental feed as the
// initial load: every target passes the compatibility guard, and demo-tenant
// events never leave the node.
type GatedChangeFeed struct {
	guard *CompatGuard
	store *DataStore
	sink  ChangeSink
}

// NewGatedChangeFeed wraps a sink with the guard gate and demo exclusion.
func NewGatedChangeFeed(guard *CompatGuard, store *DataStore, sink ChangeSink) *GatedChangeFeed {
	return &GatedChangeFeed{guard: guard, store: store, sink: sink}
}

// Emit forwards the event to the sink if the target is compatible and the
// event does not belong to a demo tenant. Suppressed events return nil:
// suppression is policy, not failure.
func (f *GatedChangeFeed) Emit(ctx context.Context, target PeerDescriptor, ev ChangeEvent) error {
	if !replicable(ev.Table) {
		slog.Debug("change event dropped: table not replicable", "table", ev.Table)
		return nil
	}

	row := ev.Row
	if row == nil {
		row = Row{"business_id": ev.BusinessID}
		if ev.Table == "businesses" {
			row = Row{"id": ev.RecordID}
		}
	}
	if f.isDemoEvent(ctx, ev, row) {
		slog.Debug("change event dropped: demo tenant", "table", ev.Table, "record", ev.RecordID)
		return nil
	}

	decision := f.guard.EvaluatePeer(target)
	if !decision.Allowed {
		return newSyncError(SyncErrorTypeCompatibility, decision.Reason, "", ErrCompatibilityBlocked)
	}
	return f.sink.Emit(ctx, target, ev)
}

func (f *GatedChangeFeed) isDemoEvent(ctx context.Context, ev ChangeEvent, row Row) bool {
	if ev.Table == "businesses" {
		// A bare delete event carries no row; fall back to the stored flag.
		return truthy(row["is_demo"]) || f.storedDemoFlag(ctx, ev.RecordID)
	}
	return f.store.isDemoRow(ctx, ev.Table, row)
}

func (f *GatedChangeFeed) storedDemoFlag(ctx context.Context, businessID string) bool {
	var isDemo int
	err := f.store.db.QueryRowContext(ctx,
		"SELECT is_demo FROM businesses WHERE id = ?", businessID).Scan(&isDemo)
	return err == nil && isDemo != 0
}
