// Package warehouse provides read-only access to the analytical store:
// schema introspection (cached per process) and bounded query execution.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Column describes one column of an analytical table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table describes one analytical table.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is an immutable snapshot of the analytical store's structure.
// Shared read-only by all in-flight turns.
type Schema struct {
	Tables []Table `json:"tables"`
}

// Describe renders the schema for inclusion in a generation prompt.
func (s *Schema) Describe() string {
	var b strings.Builder
	for _, t := range s.Tables {
		names := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			names[i] = c.Name
		}
		fmt.Fprintf(&b, "Table: %s\nColumns: %s\n", t.Name, strings.Join(names, ", "))
	}
	return b.String()
}

// Result holds the outcome of an executed query.
type Result struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"row_count"`
}

// QueryError is a structured execution failure. Recoverable marks
// failures that look fixable by rephrasing the query (e.g. an unknown
// column) as opposed to connectivity or engine faults.
type QueryError struct {
	Message     string
	Recoverable bool
}

func (e *QueryError) Error() string {
	return e.Message
}

// Warehouse serves the cached schema snapshot and executes read-only
// queries against the analytical SQLite database.
type Warehouse struct {
	db           *sql.DB
	queryTimeout time.Duration

	mu     sync.RWMutex
	schema *Schema
}

// Open opens the analytical database read-only and loads the schema
// snapshot. A missing file or failed introspection is an error; the
// caller treats it as fatal at startup.
func Open(dbPath string, queryTimeout time.Duration) (*Warehouse, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("analytical database not found at %s: %w", dbPath, err)
	}
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	dsn := "file:" + dbPath + "?mode=ro&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open analytical database: %w", err)
	}
	db.SetMaxOpenConns(10)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping analytical database: %w", err)
	}

	w := &Warehouse{db: db, queryTimeout: queryTimeout}
	if err := w.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return w, nil
}

// Schema returns the cached schema snapshot.
func (w *Warehouse) Schema() *Schema {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.schema
}

// Refresh re-introspects the analytical store and replaces the cached
// snapshot. Called once at startup and on explicit invalidation.
func (w *Warehouse) Refresh(ctx context.Context) error {
	schema, err := w.introspect(ctx)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	w.mu.Lock()
	w.schema = schema
	w.mu.Unlock()

	slog.Info("Analytical schema loaded", "tables", len(schema.Tables))
	return nil
}

func (w *Warehouse) introspect(ctx context.Context) (*Schema, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close table rows", "error", closeErr)
		}
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	sort.Strings(names)

	schema := &Schema{}
	for _, name := range names {
		columns, err := w.tableColumns(ctx, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, Table{Name: name, Columns: columns})
	}
	return schema, nil
}

func (w *Warehouse) tableColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table info for %s: %w", table, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close column rows", "error", closeErr, "table", table)
		}
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("scan column for %s: %w", table, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns for %s: %w", table, err)
	}
	return columns, nil
}

// Query executes a validated query with a bounded timeout and returns
// rows plus column names. It never retries; retry policy belongs to
// the orchestrator so the reasoning service can see the failure.
func (w *Warehouse) Query(ctx context.Context, query string) (*Result, error) {
	queryCtx, cancel := context.WithTimeout(ctx, w.queryTimeout)
	defer cancel()

	rows, err := w.db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close result rows", "error", closeErr)
		}
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classifyQueryError(err)
	}

	result := &Result{Columns: columns, Rows: [][]interface{}{}}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifyQueryError(err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// Close closes the analytical database connection.
func (w *Warehouse) Close() error {
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("close analytical database: %w", err)
	}
	return nil
}

// classifyQueryError separates query-semantics faults (worth a
// regenerate) from connectivity-class faults. The recovery policy
// currently retries both; the flag exists for logging and for when a
// clearer signal becomes available.
func classifyQueryError(err error) *QueryError {
	recoverable := true
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		recoverable = false
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to open database") || strings.Contains(msg, "disk I/O error") {
		recoverable = false
	}
	return &QueryError{Message: msg, Recoverable: recoverable}
}
