// Package nodesync implements the inter-node data replication core of the
// opsuite business-management platform.
//
// A node that joins (or recovers into) an opsuite deployment receives a
// complete, verified snapshot of a peer's replicable business data through an
// initial-load session. Every session is gated by a fail-closed schema
// compatibility check, chunked into bounded pages with deterministic
// checksums, and delivered strictly in order over an authenticated HTTP
// channel. Demo (sandbox) business data never crosses node boundaries.
//
// # Basic Usage
//
// Open the local data store and start an orchestrator:
//
//	store, err := nodesync.OpenDataStore(nodesync.DefaultDataStoreConfig("opsuite.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// Initiate a load toward a known peer and poll for progress:
//
//	id, err := orch.Initiate(ctx, "node-b", nodesync.DefaultSessionOptions())
//	sess, _ := orch.GetSession(id)
//
// # Components
//
// Core replication:
//   - CompatGuard: fail-closed schema gate with a bounded audit trail
//   - SnapshotBuilder: per-table inventory with a structural checksum
//   - ChunkEngine: deterministic paging, per-chunk checksums, sequential delivery
//   - Orchestrator: the initial-load session state machine
//   - ChunkReceiver: ordered apply with transfer validation on the target node
//
// Infrastructure:
//   - SQLite-backed business tables and a durable session store
//   - Bearer authentication derived from the shared registration secret
//   - WebSocket progress streaming and a channel-based progress broker
//   - Optional S3 archival of terminal session audit records
package nodesync
