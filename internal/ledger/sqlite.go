package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS runners (
	id         TEXT PRIMARY KEY,
	state_rank INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	record     BLOB NOT NULL
);
`

// SQLite is a Ledger in a single SQLite database file, one row per
// runner.  Rows hold the CBOR-encoded entry next to the columns needed
// for ordering and the forward-only check.
type SQLite struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

var _ Ledger = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the ledger at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	logger = logger.WithGroup("ledger")
	logger.Info("ledger opened", slog.String("path", path))
	return &SQLite{pool: pool, path: path, logger: logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Put upserts e inside an immediate transaction so the rank check and
// the write cannot interleave with another writer.
func (l *SQLite) Put(ctx context.Context, e Entry) (err error) {
	record, err := encode(e)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", e.ID, err)
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: put %s: %w", e.ID, err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	prev, found, err := l.get(conn, e.ID)
	if err != nil {
		return err
	}
	if found {
		if err = checkForward(prev, e); err != nil {
			return err
		}
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO runners (id, state_rank, created_at, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state_rank = excluded.state_rank,
			record     = excluded.record`,
		&sqlitex.ExecOptions{
			Args: []any{e.ID, e.State.Rank(), e.CreatedAt.UTC().Format(timeLayout), record},
		})
	if err != nil {
		return fmt.Errorf("ledger: put %s: %w", e.ID, err)
	}
	return nil
}

// Sortable text form of created_at.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func (l *SQLite) Get(ctx context.Context, id string) (Entry, bool, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	defer l.pool.Put(conn)
	return l.get(conn, id)
}

func (l *SQLite) get(conn *sqlite.Conn, id string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := sqlitex.Execute(conn, `SELECT record FROM runners WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			entry, found = e, true
			return nil
		},
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return entry, found, nil
}

func (l *SQLite) List(ctx context.Context) ([]Entry, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer l.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `SELECT record FROM runners ORDER BY created_at, id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return entries, nil
}

func (l *SQLite) Delete(ctx context.Context, id string) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: delete %s: %w", id, err)
	}
	defer l.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM runners WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("ledger: delete %s: %w", id, err)
	}
	return nil
}

func (l *SQLite) Close() error {
	if err := l.pool.Close(); err != nil {
		return fmt.Errorf("ledger: close %s: %w", l.path, err)
	}
	l.logger.Info("ledger closed", slog.String("path", l.path))
	return nil
}

func scanRecord(stmt *sqlite.Stmt) (Entry, error) {
	buf := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, buf)
	return decode(buf)
}
