package materialize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"uscsv/internal/errs"
	"uscsv/internal/model"
	"uscsv/internal/normalize"
)

// spillSink receives drained rows downstream of the buffer.
type spillSink func(row normalize.NormalizedRow) error

// SpillBuffer sits between the normalizer and the writer. Rows accumulate up
// to the threshold; a full buffer overflows to a JSONL file under the job's
// scratch directory and drains through the sink, so a lagging writer bounds
// memory instead of growing it.
type SpillBuffer struct {
	sink      spillSink
	threshold int
	spoolDir  string
	buffer    []normalize.NormalizedRow

	Telemetry model.SpillMetrics
}

func NewSpillBuffer(sink spillSink, threshold int, spoolDir string) *SpillBuffer {
	if threshold < 1 {
		threshold = 1
	}
	return &SpillBuffer{sink: sink, threshold: threshold, spoolDir: spoolDir}
}

// Push enqueues one row, spilling when the buffer is saturated.
func (s *SpillBuffer) Push(row normalize.NormalizedRow) error {
	s.buffer = append(s.buffer, row)
	if n := int64(len(s.buffer)); n > s.Telemetry.MaxBufferRows {
		s.Telemetry.MaxBufferRows = n
	}
	if len(s.buffer) >= s.threshold {
		return s.spill()
	}
	return nil
}

// Flush drains the in-memory buffer through the sink.
func (s *SpillBuffer) Flush() error {
	for _, row := range s.buffer {
		if err := s.sink(row); err != nil {
			return err
		}
	}
	s.buffer = s.buffer[:0]
	return nil
}

// Close flushes whatever is left.
func (s *SpillBuffer) Close() error { return s.Flush() }

type spillLine struct {
	Values         []string `json:"values"`
	ObservedLength int      `json:"observed_length"`
}

// spill writes the buffer to a scratch JSONL file, counts the event, then
// replays the file through the sink and removes it.
func (s *SpillBuffer) spill() error {
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return errs.Wrap(errs.IOError, err, "create spool dir %s", s.spoolDir)
	}
	path := filepath.Join(s.spoolDir, fmt.Sprintf("spill_%s.jsonl", uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "create spill file %s", path)
	}
	w := bufio.NewWriter(f)
	for _, row := range s.buffer {
		raw, err := json.Marshal(spillLine{Values: row.Values, ObservedLength: row.ObservedLength})
		if err != nil {
			f.Close()
			return errs.Wrap(errs.StorageFailure, err, "encode spill row")
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			f.Close()
			return errs.Wrap(errs.IOError, err, "write spill file %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errs.Wrap(errs.IOError, err, "flush spill file %s", path)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.IOError, err, "close spill file %s", path)
	}

	info, err := os.Stat(path)
	if err == nil {
		s.Telemetry.BytesSpilled += info.Size()
	}
	s.Telemetry.Spills++
	s.Telemetry.RowsSpilled += int64(len(s.buffer))
	s.buffer = s.buffer[:0]

	return s.drain(path)
}

func (s *SpillBuffer) drain(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "open spill file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row spillLine
		if err := json.Unmarshal(line, &row); err != nil {
			return errs.Wrap(errs.ParsingError, err, "decode spill row in %s", path)
		}
		if err := s.sink(normalize.NormalizedRow{Values: row.Values, ObservedLength: row.ObservedLength}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.IOError, err, "read spill file %s", path)
	}
	return os.Remove(path)
}
