package nodesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// ReplicableTables is the fixed allow-list of business tables that cross node
// boundaries, in snapshot order. Internal sync bookkeeping (sync_sessions) is
// never replicated. businesses comes first so demo filtering on the receiving
// side can resolve tenant flags before dependent rows arrive.
var ReplicableTables = []string{
	"businesses",
	"customers",
	"products",
	"inventory_movements",
	"sales",
	"sale_items",
	"vehicles",
	"drivers",
}

// Row is one business record as a column/value map.
type Row map[string]any

// DataStoreConfig configures the SQLite-backed business data store.
type DataStoreConfig struct {
	// Path to the SQLite database file.
	Path string `json:"path" yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `json:"synchronous" yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int `json:"busy_timeout" yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
}

// DefaultDataStoreConfig returns default configuration.
func DefaultDataStoreConfig(path string) DataStoreConfig {
	return DataStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// DataStore provides access to the replicable business tables. All read paths
// exclude demo-tenant rows at the query boundary; demo rows are never counted,
// sampled, or paged.
type DataStore struct {
	db     *sql.DB
	config DataStoreConfig
	mu     sync.RWMutex
	closed bool
}

// OpenDataStore opens (and if needed initializes) the business database.
func OpenDataStore(config DataStoreConfig) (*DataStore, error) {
	if config.Path == "" {
		config.Path = "opsuite.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open business database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	s := &DataStore{db: db, config: config}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the business tables.
func (s *DataStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS businesses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			is_demo INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			sku TEXT,
			name TEXT NOT NULL,
			price_cents INTEGER NOT NULL DEFAULT 0,
			stock INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS inventory_movements (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			reason TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sales (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			customer_id TEXT,
			total_cents INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sale_items (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			sale_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price_cents INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vehicles (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			plate TEXT,
			model TEXT,
			odometer_km INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS drivers (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL,
			name TEXT NOT NULL,
			license TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_customers_business ON customers(business_id);
		CREATE INDEX IF NOT EXISTS idx_products_business ON products(business_id);
		CREATE INDEX IF NOT EXISTS idx_movements_business ON inventory_movements(business_id);
		CREATE INDEX IF NOT EXISTS idx_sales_business ON sales(business_id);
		CREATE INDEX IF NOT EXISTS idx_sale_items_business ON sale_items(business_id);
		CREATE INDEX IF NOT EXISTS idx_vehicles_business ON vehicles(business_id);
		CREATE INDEX IF NOT EXISTS idx_drivers_business ON drivers(business_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create business schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for components that share the database
// file, such as the session store.
func (s *DataStore) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *DataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// replicable reports whether the table is on the allow-list.
func replicable(table string) bool {
	for _, t := range ReplicableTables {
		if t == table {
			return true
		}
	}
	return false
}

// demoFilter returns the WHERE fragment that excludes demo-tenant rows for
// the given table.
func demoFilter(table string) string {
	if table == "businesses" {
		return "is_demo = 0"
	}
	return "business_id NOT IN (SELECT id FROM businesses WHERE is_demo = 1)"
}

// CountRows counts the non-demo rows of a replicable table.
func (s *DataStore) CountRows(ctx context.Context, table string) (int64, error) {
	if !replicable(table) {
		return 0, fmt.Errorf("table %q is not replicable", table)
	}
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, demoFilter(table))
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// MaxModified returns the newest update/creation timestamp (unix nanos) among
// the table's non-demo rows, or 0 for an empty table.
func (s *DataStore) MaxModified(ctx context.Context, table string) (int64, error) {
	if !replicable(table) {
		return 0, fmt.Errorf("table %q is not replicable", table)
	}
	var ts sql.NullInt64
	q := fmt.Sprintf("SELECT MAX(MAX(created_at), MAX(updated_at)) FROM %s WHERE %s", table, demoFilter(table))
	if err := s.db.QueryRowContext(ctx, q).Scan(&ts); err != nil {
		return 0, fmt.Errorf("max modified %s: %w", table, err)
	}
	return ts.Int64, nil
}

// SampleRows returns up to limit non-demo rows for size estimation.
func (s *DataStore) SampleRows(ctx context.Context, table string, limit int) ([]Row, error) {
	return s.FetchPage(ctx, table, 0, limit)
}

// FetchPage returns one page of non-demo rows ordered by creation time then
// id, giving stable, gap-free pagination coverage. Rows inserted concurrently
// with a transfer are not guaranteed to be captured; the incremental change
// feed picks up anything created after the snapshot.
func (s *DataStore) FetchPage(ctx context.Context, table string, offset, limit int) ([]Row, error) {
	if !replicable(table) {
		return nil, fmt.Errorf("table %q is not replicable", table)
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	q := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY created_at, id LIMIT ? OFFSET ?",
		table, demoFilter(table))
	rows, err := s.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[c] = string(b)
			} else {
				r[c] = vals[i]
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyRows upserts received rows into a replicable table. Demo-tenant rows
// are dropped on ingest as well: the exclusion rule holds on both sides of a
// transfer. Returns the number of rows applied.
func (s *DataStore) ApplyRows(ctx context.Context, table string, rows []Row) (int, error) {
	if !replicable(table) {
		return 0, fmt.Errorf("table %q is not replicable", table)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	applied := 0
	for _, r := range rows {
		if s.isDemoRow(ctx, table, r) {
			continue
		}
		cols := make([]string, 0, len(r))
		for c := range r {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		args := make([]any, len(cols))
		marks := make([]string, len(cols))
		for i, c := range cols {
			args[i] = sqlValue(r[c])
			marks[i] = "?"
		}
		q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(marks, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("apply row to %s: %w", table, err)
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return applied, nil
}

// sqlValue converts wire-decoded values into driver-friendly types. Rows
// arriving over HTTP carry json.Number; converting here keeps int64 values
// beyond 2^53 exact instead of routing them through float64.
func sqlValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return string(n)
}

// isDemoRow reports whether the row belongs to a demo tenant.
func (s *DataStore) isDemoRow(ctx context.Context, table string, r Row) bool {
	if table == "businesses" {
		return truthy(r["is_demo"])
	}
	bizID, _ := r["business_id"].(string)
	if bizID == "" {
		return false
	}
	var isDemo int
	err := s.db.QueryRowContext(ctx,
		"SELECT is_demo FROM businesses WHERE id = ?", bizID).Scan(&isDemo)
	if err != nil {
		// Unknown business: nothing marks it as demo, let it through.
		return false
	}
	return isDemo != 0
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	case string:
		return x == "1" || strings.EqualFold(x, "true")
	default:
		return false
	}
}
