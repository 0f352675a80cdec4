package nodesync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SessionStore persists initial-load sessions for crash visibility and audit.
// Persistence is a best-effort capability: if the sync_sessions table is
// missing or its schema is outdated (an older peer's database), the store
// logs a warning and degrades to in-memory only rather than failing the node.
type SessionStore struct {
	db *sql.DB

	mu       sync.RWMutex
	degraded bool
	mem      map[string]*InitialLoadSession
}

// NewSessionStore creates a session store over the given database handle,
// typically shared with the DataStore. A nil handle yields a degraded
// in-memory store.
func NewSessionStore(db *sql.DB) *SessionStore {
	s := &SessionStore{db: db, mem: make(map[string]*InitialLoadSession)}
	if db == nil {
		s.degraded = true
		slog.Warn("session store running in-memory only", "err", "no database handle")
		return s
	}
	if err := s.initSchema(); err != nil {
		s.degraded = true
		slog.Warn("session store degraded to in-memory only", "err", err)
	}
	return s
}

func (s *SessionStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sync_sessions (
			session_id TEXT PRIMARY KEY,
			source_node_id TEXT NOT NULL,
			target_node_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			current_step TEXT,
			total_records INTEGER NOT NULL DEFAULT 0,
			transferred_records INTEGER NOT NULL DEFAULT 0,
			transferred_bytes INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			metadata TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sync_sessions_status ON sync_sessions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create sync_sessions: %w", err)
	}
	// Probe the full column set so an outdated schema on an older node is
	// detected up front, not on the first save.
	probe := `SELECT session_id, source_node_id, target_node_id, started_at, completed_at,
		status, progress, current_step, total_records, transferred_records,
		transferred_bytes, error_message, metadata FROM sync_sessions LIMIT 1`
	if _, err := s.db.Exec(probe); err != nil {
		return fmt.Errorf("sync_sessions schema outdated: %w", err)
	}
	return nil
}

// Degraded reports whether the store is running without durable persistence.
func (s *SessionStore) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Save upserts a session record. Never fails hard in degraded mode.
func (s *SessionStore) Save(session *InitialLoadSession) error {
	s.mu.Lock()
	degraded := s.degraded
	s.mem[session.SessionID] = session.clone()
	s.mu.Unlock()

	if degraded {
		return nil
	}

	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	var completed sql.NullInt64
	if session.CompletedAt != nil {
		completed = sql.NullInt64{Int64: session.CompletedAt.UnixNano(), Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sync_sessions
			(session_id, source_node_id, target_node_id, started_at, completed_at,
			 status, progress, current_step, total_records, transferred_records,
			 transferred_bytes, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.SourceNodeID, session.TargetNodeID,
		session.StartedAt.UnixNano(), completed,
		string(session.Status), session.Progress, session.CurrentStep,
		session.TotalRecords, session.TransferredRecords, session.TransferredBytes,
		session.ErrorMessage, string(meta))
	if err != nil {
		// Persistence failing mid-flight degrades the store, it never
		// fails the session.
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		slog.Warn("session persistence degraded", "session", session.SessionID, "err", err)
		return nil
	}

	// Persisted terminal sessions leave the memory cache; the database is
	// their record from here on, and the map stays bounded by the number of
	// in-flight sessions.
	if session.Status.Terminal() {
		s.mu.Lock()
		delete(s.mem, session.SessionID)
		s.mu.Unlock()
	}
	return nil
}

// Get returns a session by id from memory first, falling back to the
// database for sessions persisted by a previous process.
func (s *SessionStore) Get(sessionID string) (*InitialLoadSession, error) {
	s.mu.RLock()
	if sess, ok := s.mem[sessionID]; ok {
		defer s.mu.RUnlock()
		return sess.clone(), nil
	}
	degraded := s.degraded
	s.mu.RUnlock()

	if degraded {
		return nil, ErrSessionNotFound
	}

	row := s.db.QueryRow(`
		SELECT session_id, source_node_id, target_node_id, started_at, completed_at,
			status, progress, current_step, total_records, transferred_records,
			transferred_bytes, error_message, metadata
		FROM sync_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// LoadActive returns all persisted non-terminal sessions owned by this node.
// Used for crash recovery at startup.
func (s *SessionStore) LoadActive(sourceNodeID string) ([]*InitialLoadSession, error) {
	s.mu.RLock()
	degraded := s.degraded
	s.mu.RUnlock()
	if degraded {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT session_id, source_node_id, target_node_id, started_at, completed_at,
			status, progress, current_step, total_records, transferred_records,
			transferred_bytes, error_message, metadata
		FROM sync_sessions
		WHERE source_node_id = ? AND status IN (?, ?, ?)`,
		sourceNodeID, string(StatusPreparing), string(StatusTransferring), string(StatusValidating))
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	defer rows.Close()

	var out []*InitialLoadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// List returns every known session, newest first.
func (s *SessionStore) List() ([]*InitialLoadSession, error) {
	s.mu.RLock()
	degraded := s.degraded
	sessions := make([]*InitialLoadSession, 0, len(s.mem))
	for _, sess := range s.mem {
		sessions = append(sessions, sess.clone())
	}
	s.mu.RUnlock()

	if !degraded {
		seen := make(map[string]bool, len(sessions))
		for _, sess := range sessions {
			seen[sess.SessionID] = true
		}
		rows, err := s.db.Query(`
			SELECT session_id, source_node_id, target_node_id, started_at, completed_at,
				status, progress, current_step, total_records, transferred_records,
				transferred_bytes, error_message, metadata
			FROM sync_sessions`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				return nil, err
			}
			if !seen[sess.SessionID] {
				sessions = append(sessions, sess)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*InitialLoadSession, error) {
	var (
		sess      InitialLoadSession
		started   int64
		completed sql.NullInt64
		status    string
		step      sql.NullString
		errMsg    sql.NullString
		meta      string
	)
	err := r.Scan(&sess.SessionID, &sess.SourceNodeID, &sess.TargetNodeID,
		&started, &completed, &status, &sess.Progress, &step,
		&sess.TotalRecords, &sess.TransferredRecords, &sess.TransferredBytes,
		&errMsg, &meta)
	if err != nil {
		return nil, err
	}
	sess.StartedAt = time.Unix(0, started)
	if completed.Valid {
		t := time.Unix(0, completed.Int64)
		sess.CompletedAt = &t
	}
	sess.Status = SessionStatus(status)
	sess.CurrentStep = step.String
	sess.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return &sess, nil
}
