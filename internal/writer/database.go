package writer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"uscsv/internal/errs"
)

// databaseWriter inserts rows into an embedded or remote SQL table named
// after the schema slug. Every row carries its (chunk_ordinal, row_in_chunk)
// cursor; rotation is a transaction boundary, and resume deletes rows past
// the committed cursor so replayed blocks never produce duplicates.
type databaseWriter struct {
	opts   Options
	db     *sql.DB
	tx     *sql.Tx
	driver string

	chunk       int
	rowsInChunk int64
	totalRows   int64
}

// resolveDriver maps a db URL onto (driver name, DSN).
//
// Accepted forms mirror the teacher's storage backends:
//   - sqlite:///path/to.db or a bare path → modernc sqlite
//   - postgres:// / postgresql://         → pgx stdlib
//   - sqlserver://                        → go-mssqldb
func resolveDriver(dbURL string) (driver, dsn string, err error) {
	trimmed := strings.TrimSpace(dbURL)
	switch {
	case trimmed == "":
		return "", "", errs.New(errs.ConfigError, "database writer requires --db-url")
	case strings.HasPrefix(trimmed, "sqlite:///"):
		return "sqlite", strings.TrimPrefix(trimmed, "sqlite:///"), nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		return "sqlite", strings.TrimPrefix(trimmed, "sqlite://"), nil
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return "pgx", trimmed, nil
	case strings.HasPrefix(trimmed, "sqlserver://"):
		return "sqlserver", trimmed, nil
	case strings.Contains(trimmed, "://"):
		return "", "", errs.New(errs.ConfigError, "unsupported db url %q", trimmed)
	default:
		// Bare path: embedded sqlite.
		return "sqlite", trimmed, nil
	}
}

func newDatabaseWriter(ctx context.Context, opts Options) (*databaseWriter, error) {
	driver, dsn, err := resolveDriver(opts.DBURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "open %s", driver)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.StorageFailure, err, "ping %s", driver)
	}

	w := &databaseWriter{opts: opts, db: db, driver: driver}
	if err := w.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if snap := opts.Resume; snap != nil {
		w.chunk = snap.ChunkOrdinal
		w.rowsInChunk = snap.RowsInChunk
		w.totalRows = snap.TotalRows
		if err := w.supersedePastCursor(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := w.begin(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *databaseWriter) table() string { return w.opts.Slug }

func (w *databaseWriter) ensureTable(ctx context.Context) error {
	cols := make([]string, 0, len(w.opts.Header)+2)
	cols = append(cols, sqlIdent("chunk_ordinal")+" INTEGER", sqlIdent("row_in_chunk")+" INTEGER")
	for _, name := range w.opts.Header {
		cols = append(cols, sqlIdent(name)+" TEXT")
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", sqlIdent(w.table()), strings.Join(cols, ",\n  "))
	if w.driver == "sqlserver" {
		ddl = fmt.Sprintf(
			"IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (\n  %s\n)",
			w.table(), sqlIdent(w.table()), strings.Join(cols, ",\n  "),
		)
	}
	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "create table %s", w.table())
	}
	return nil
}

// supersedePastCursor removes rows written after the last committed
// checkpoint (a crash can land between a transaction commit and the
// checkpoint write).
func (w *databaseWriter) supersedePastCursor(ctx context.Context) error {
	q := fmt.Sprintf(
		"DELETE FROM %s WHERE %s > %s OR (%s = %s AND %s >= %s)",
		sqlIdent(w.table()),
		sqlIdent("chunk_ordinal"), w.placeholder(1),
		sqlIdent("chunk_ordinal"), w.placeholder(2),
		sqlIdent("row_in_chunk"), w.placeholder(3),
	)
	if _, err := w.db.ExecContext(ctx, q, w.chunk, w.chunk, w.rowsInChunk); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "trim %s past checkpoint", w.table())
	}
	return nil
}

func (w *databaseWriter) begin(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "begin tx %s", w.table())
	}
	w.tx = tx
	return nil
}

func (w *databaseWriter) placeholder(n int) string {
	switch w.driver {
	case "pgx":
		return fmt.Sprintf("$%d", n)
	case "sqlserver":
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

func (w *databaseWriter) WriteRows(ctx context.Context, batch [][]string) error {
	if len(batch) == 0 {
		return nil
	}
	width := len(w.opts.Header) + 2
	colList := make([]string, 0, width)
	colList = append(colList, sqlIdent("chunk_ordinal"), sqlIdent("row_in_chunk"))
	for _, name := range w.opts.Header {
		colList = append(colList, sqlIdent(name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", sqlIdent(w.table()), strings.Join(colList, ", "))
	args := make([]any, 0, len(batch)*width)
	argN := 0
	for i, row := range batch {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.UserAbort, ctx.Err(), "database write")
		default:
		}
		if w.rowsInChunk >= int64(w.opts.ChunkRows) {
			// Chunk boundary mid-batch: flush what we have, rotate, restart.
			if i > 0 {
				if err := w.exec(ctx, b.String(), args); err != nil {
					return err
				}
			}
			if err := w.Rotate(ctx); err != nil {
				return err
			}
			return w.WriteRows(ctx, batch[i:])
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		ph := make([]string, 0, width)
		for c := 0; c < width; c++ {
			argN++
			ph = append(ph, w.placeholder(argN))
		}
		b.WriteString(strings.Join(ph, ", "))
		b.WriteString(")")

		args = append(args, w.chunk, w.rowsInChunk)
		for c := 0; c < len(w.opts.Header); c++ {
			if c < len(row) && row[c] != "" {
				args = append(args, row[c])
			} else {
				args = append(args, nil)
			}
		}
		w.rowsInChunk++
		w.totalRows++
	}
	return w.exec(ctx, b.String(), args)
}

func (w *databaseWriter) exec(ctx context.Context, q string, args []any) error {
	if len(args) == 0 {
		return nil
	}
	if _, err := w.tx.ExecContext(ctx, q, args...); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "insert into %s", w.table())
	}
	return nil
}

// Rotate is the SQL transaction boundary: commit and open a fresh chunk.
func (w *databaseWriter) Rotate(ctx context.Context) error {
	if err := w.tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "commit chunk %d of %s", w.chunk, w.table())
	}
	w.chunk++
	w.rowsInChunk = 0
	return w.begin(ctx)
}

// Commit makes everything written so far durable and keeps the chunk open.
func (w *databaseWriter) Commit(ctx context.Context) (Snapshot, error) {
	if err := w.tx.Commit(); err != nil {
		return Snapshot{}, errs.Wrap(errs.StorageFailure, err, "commit %s", w.table())
	}
	if err := w.begin(ctx); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ChunkOrdinal: w.chunk,
		RowsInChunk:  w.rowsInChunk,
		TotalRows:    w.totalRows,
	}, nil
}

func (w *databaseWriter) Close(ctx context.Context) error {
	var firstErr error
	if w.tx != nil {
		if err := w.tx.Commit(); err != nil {
			firstErr = errs.Wrap(errs.StorageFailure, err, "final commit %s", w.table())
		}
		w.tx = nil
	}
	if err := w.db.Close(); err != nil && firstErr == nil {
		firstErr = errs.Wrap(errs.StorageFailure, err, "close %s", w.driver)
	}
	return firstErr
}

// Abort rolls back the open transaction; only committed chunks survive.
func (w *databaseWriter) Abort() {
	if w.tx != nil {
		_ = w.tx.Rollback()
		w.tx = nil
	}
	_ = w.db.Close()
}

func (w *databaseWriter) TotalRows() int64 { return w.totalRows }

func (w *databaseWriter) OutputFiles() []string { return nil }

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
