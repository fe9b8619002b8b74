// Package writer implements the row-sink contract with three backends:
// delimited text (CSV), columnar (Parquet via Arrow) and embedded SQL
// (sqlite/postgres/sqlserver through database/sql).
//
// Guarantees shared by all backends:
//   - headers land exactly once per output file (each chunk file or SQL
//     table), across resume;
//   - partial chunks from a crash are truncated or superseded by a new chunk
//     ordinal, never observed as duplicates after resume;
//   - rotation is atomic: stage-then-rename for files, a transaction
//     boundary for SQL.
package writer

import (
	"context"
	"fmt"
	"strings"

	"uscsv/internal/errs"
)

// Formats accepted by the materialize verb.
const (
	FormatCSV      = "csv"
	FormatParquet  = "parquet"
	FormatDatabase = "database"
)

// Snapshot is the writer cursor persisted in checkpoints.
type Snapshot struct {
	ChunkOrdinal int      `json:"chunk_ordinal"`
	RowsInChunk  int64    `json:"rows_in_chunk"`
	TotalRows    int64    `json:"total_rows"`
	ByteOffset   int64    `json:"byte_offset,omitempty"`
	OutputFiles  []string `json:"output_files,omitempty"`
}

// Writer is the row sink contract. Implementations rotate chunks on their own
// once ChunkRows is reached; Commit marks a durable point aligned with block
// boundaries and returns the cursor to checkpoint.
type Writer interface {
	WriteRows(ctx context.Context, batch [][]string) error
	Rotate(ctx context.Context) error
	Commit(ctx context.Context) (Snapshot, error)
	Close(ctx context.Context) error
	// Abort releases resources without finalizing the in-flight chunk, so
	// rows written after the last Commit never survive a failed or cancelled
	// run. Resume picks up from the committed cursor.
	Abort()

	TotalRows() int64
	OutputFiles() []string
}

// Options configure a writer for one logical output (one schema).
type Options struct {
	DestDir   string
	Slug      string
	Header    []string
	ChunkRows int
	// Resume is the checkpointed cursor from a previous run, nil for fresh.
	Resume *Snapshot
	// DBURL is required for the database format.
	DBURL string
}

// New opens a writer of the requested format.
func New(ctx context.Context, format string, opts Options) (Writer, error) {
	if opts.ChunkRows < 1 {
		opts.ChunkRows = 1
	}
	if len(opts.Header) == 0 {
		opts.Header = []string{"column_1"}
	}
	if opts.Slug == "" {
		opts.Slug = "dataset"
	}
	switch strings.ToLower(format) {
	case FormatCSV, "":
		return newCSVWriter(opts)
	case FormatParquet:
		return newParquetWriter(opts)
	case FormatDatabase:
		return newDatabaseWriter(ctx, opts)
	default:
		return nil, errs.New(errs.ConfigError, "unsupported writer format %q", format)
	}
}

func chunkFileName(slug string, ordinal int, ext string) string {
	return fmt.Sprintf("%s_%03d.%s", slug, ordinal, ext)
}
