package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// DefaultExtensionDir is the directory name for pre-downloaded DuckDB extensions.
const DefaultExtensionDir = ".duckdb/extensions"

const defaultEngineMemoryLimit = "1GB"

// EngineConfig configures the in-memory DuckDB instance.
type EngineConfig struct {
	MemoryLimit string
	Threads     int
	// ExtensionDir holds pre-downloaded extensions; empty uses DuckDB's default.
	ExtensionDir string
	// OfflineExtensions forbids INSTALL at runtime; extensions are only LOADed.
	OfflineExtensions bool
	ExcelEnabled      bool
	Logger            *slog.Logger
}

// DuckDBEngine is the process-wide analytical engine. All tables live in
// memory and are rebuilt from disk by reconciliation after a restart.
type DuckDBEngine struct {
	db     *sql.DB
	logger *slog.Logger

	// excelErr is non-nil when the excel extension could not be loaded.
	excelErr error

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// ResolveExtensionDir walks up from the working directory to find a
// DefaultExtensionDir directory. Returns the absolute path if found, or "".
func ResolveExtensionDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DefaultExtensionDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// OpenDuckDBEngine opens the in-memory database and applies cfg. A missing
// excel extension is logged and remembered rather than failing startup.
func OpenDuckDBEngine(ctx context.Context, cfg EngineConfig) (*DuckDBEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.ExtensionDir != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`SET extension_directory = %s`, quoteLiteral(cfg.ExtensionDir))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set extension_directory: %w", err)
		}
	}

	if cfg.OfflineExtensions {
		if _, err := db.ExecContext(ctx, `SET autoinstall_known_extensions = false`); err != nil {
			db.Close()
			return nil, fmt.Errorf("disable autoinstall: %w", err)
		}
	}

	memLimit := cfg.MemoryLimit
	if memLimit == "" {
		memLimit = defaultEngineMemoryLimit
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`SET memory_limit = %s`, quoteLiteral(memLimit))); err != nil {
		db.Close()
		return nil, fmt.Errorf("set memory_limit: %w", err)
	}
	if cfg.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`SET threads = %d`, cfg.Threads)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}

	e := &DuckDBEngine{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}

	if cfg.ExcelEnabled {
		e.excelErr = loadExtension(ctx, db, "excel", cfg.OfflineExtensions)
	} else {
		e.excelErr = errors.New("disabled by configuration")
	}
	if e.excelErr != nil {
		logger.WarnContext(ctx, "excel extension unavailable; excel uploads will fail to load",
			"extension_dir", cfg.ExtensionDir,
			"offline", cfg.OfflineExtensions,
			"error", e.excelErr,
		)
	}

	return e, nil
}

func loadExtension(ctx context.Context, db *sql.DB, name string, offline bool) error {
	if _, err := db.ExecContext(ctx, `LOAD `+name); err != nil {
		if offline {
			return fmt.Errorf("load %s extension in offline mode: %w", name, err)
		}
		if _, installErr := db.ExecContext(ctx, `INSTALL `+name); installErr != nil {
			return fmt.Errorf("install %s: %w", name, installErr)
		}
		if _, loadErr := db.ExecContext(ctx, `LOAD `+name); loadErr != nil {
			return fmt.Errorf("load %s after install: %w", name, loadErr)
		}
	}
	return nil
}

// ExcelAvailable reports whether Excel files can be loaded.
func (e *DuckDBEngine) ExcelAvailable() bool {
	return e.excelErr == nil
}

func (e *DuckDBEngine) Close() error {
	return e.db.Close()
}

// lockFor serialises create and drop of one table name.
func (e *DuckDBEngine) lockFor(table string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[table]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[table] = mu
	}
	return mu
}

// withConn checks out one connection for fn and always returns it.
func (e *DuckDBEngine) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire duckdb connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

func (e *DuckDBEngine) LoadCSV(ctx context.Context, path, table string) (*TableSchema, error) {
	source := fmt.Sprintf(`read_csv(%s, auto_detect=true, all_varchar=true, quote='"', ignore_errors=true)`, quoteLiteral(path))
	return e.load(ctx, table, source)
}

func (e *DuckDBEngine) LoadExcel(ctx context.Context, path, table string) (*TableSchema, error) {
	if e.excelErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrExcelUnavailable, e.excelErr)
	}
	return e.load(ctx, table, fmt.Sprintf(`read_xlsx(%s)`, quoteLiteral(path)))
}

// load replaces table with the rows of source. Drop and create share one
// transaction, so a failed create leaves any previous table in place.
func (e *DuckDBEngine) load(ctx context.Context, table, source string) (*TableSchema, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	mu := e.lockFor(table)
	mu.Lock()
	defer mu.Unlock()

	var schema *TableSchema
	err := e.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin load %s: %w", table, err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(table)); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM %s`, quoteIdent(table), source)); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit load %s: %w", table, err)
		}

		schema, err = describeTable(ctx, conn, table)
		if err != nil {
			return err
		}
		schema.RowCount, err = countRows(ctx, conn, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	return schema, nil
}

func (e *DuckDBEngine) Query(ctx context.Context, query string) (*QueryResult, error) {
	var result *QueryResult
	err := e.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		result, err = materialize(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *DuckDBEngine) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	var schema *TableSchema
	err := e.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		schema, err = describeTable(ctx, conn, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	return schema, nil
}

func (e *DuckDBEngine) RowCount(ctx context.Context, table string) (int64, error) {
	if err := ValidateTableName(table); err != nil {
		return 0, err
	}
	var n int64
	err := e.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		n, err = countRows(ctx, conn, table)
		return err
	})
	return n, err
}

// DropTable removes table if it exists.
func (e *DuckDBEngine) DropTable(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	mu := e.lockFor(table)
	mu.Lock()
	defer mu.Unlock()

	return e.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(table)); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
		return nil
	})
}

func (e *DuckDBEngine) ListTables(ctx context.Context) ([]string, error) {
	var out []string
	err := e.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name`)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		defer rows.Close()

		out = make([]string, 0)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scan table name: %w", err)
			}
			out = append(out, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func describeTable(ctx context.Context, conn *sql.Conn, table string) (*TableSchema, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' AND table_name = ? ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	schema := &TableSchema{Table: table, Columns: []ColumnInfo{}}
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("describe %s: scan: %w", table, err)
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("describe %s: table not found", table)
	}
	return schema, nil
}

func countRows(ctx context.Context, conn *sql.Conn, table string) (int64, error) {
	var n int64
	if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM `+quoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
