package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestWarehouse(t *testing.T) (*Warehouse, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "warehouse.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open fixture database: %v", err)
	}
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`
		CREATE TABLE orders (id INTEGER PRIMARY KEY, state TEXT, sales REAL);
		INSERT INTO orders (state, sales) VALUES
			('SP', 100.0), ('SP', 50.0), ('RJ', 75.0), ('MG', 25.0);
	`)
	if err != nil {
		t.Fatalf("seed fixture database: %v", err)
	}

	w, err := Open(dbPath, 5*time.Second)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, dbPath
}

func TestOpenMissingDatabase(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), time.Second)
	if err == nil {
		t.Fatal("expected error for missing database file")
	}
}

func TestSchemaIntrospection(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarehouse(t)

	schema := w.Schema()
	if len(schema.Tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(schema.Tables))
	}
	table := schema.Tables[0]
	if table.Name != "orders" {
		t.Fatalf("expected table orders, got %q", table.Name)
	}
	if len(table.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(table.Columns))
	}

	text := schema.Describe()
	if text == "" {
		t.Fatal("expected non-empty schema description")
	}
	for _, want := range []string{"Table: orders", "state", "sales"} {
		if !strings.Contains(text, want) {
			t.Errorf("schema description missing %q:\n%s", want, text)
		}
	}
}

func TestQueryReturnsRowsAndColumns(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarehouse(t)

	res, err := w.Query(context.Background(),
		`SELECT state, SUM(sales) AS total FROM orders GROUP BY state ORDER BY total DESC`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.RowCount != 3 {
		t.Fatalf("expected 3 rows, got %d", res.RowCount)
	}
	if len(res.Columns) != 2 || res.Columns[0] != "state" || res.Columns[1] != "total" {
		t.Fatalf("unexpected columns: %v", res.Columns)
	}
	if res.Rows[0][0] != "SP" {
		t.Fatalf("expected SP first, got %v", res.Rows[0][0])
	}
}

func TestQueryEmptyResult(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarehouse(t)

	res, err := w.Query(context.Background(), `SELECT state FROM orders WHERE state = 'XX'`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.RowCount != 0 {
		t.Fatalf("expected 0 rows, got %d", res.RowCount)
	}
	if res.Rows == nil {
		t.Fatal("Rows must be non-nil even when empty")
	}
}

func TestQueryUnknownColumnIsRecoverable(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarehouse(t)

	_, err := w.Query(context.Background(), `SELECT nonexistent FROM orders`)
	if err == nil {
		t.Fatal("expected error for unknown column")
	}
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *QueryError, got %T", err)
	}
	if !qerr.Recoverable {
		t.Fatal("unknown-column failure should be marked recoverable")
	}
}

func TestQueryCanceledContext(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarehouse(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Query(ctx, `SELECT state FROM orders`)
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestRefreshPicksUpNewTables(t *testing.T) {
	t.Parallel()
	w, dbPath := newTestWarehouse(t)

	// Add a table through a separate writable connection.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open writable connection: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec(`CREATE TABLE customers (id INTEGER PRIMARY KEY, city TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if len(w.Schema().Tables) != 1 {
		t.Fatal("snapshot should be stale until explicitly refreshed")
	}
	if err := w.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(w.Schema().Tables) != 2 {
		t.Fatalf("expected 2 tables after refresh, got %d", len(w.Schema().Tables))
	}
}
