package analysis

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"uscsv/internal/errs"
)

// bufferLimitBytes caps resident line buffer per block at 1 MiB.
const bufferLimitBytes = 1 << 20

// ioRetryAttempts is the retry budget for block-boundary IO failures.
const ioRetryAttempts = 3

// StreamedBlock couples a planned block with its captured lines and the byte
// span the block occupied in the file.
type StreamedBlock struct {
	Block     PlannedBlock
	Lines     []string
	ByteStart int64
	ByteEnd   int64
}

// BlockStreamer reads planned blocks out of a file through a bounded buffer.
type BlockStreamer struct {
	Encoding string
}

// Stream scans the file once, invoking fn for every planned block with at
// most 1 MiB of resident line data. Lines beyond the buffer limit inside one
// block are dropped rather than buffered. Blocks past EOF yield empty lines.
//
// Read failures retry up to three times with exponential backoff at the
// block boundary: a retry rescans the file but redelivers only the blocks fn
// has not seen yet.
func (s *BlockStreamer) Stream(ctx context.Context, path string, plan []PlannedBlock, fn func(StreamedBlock) error) error {
	var lastErr error
	delivered := 0
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= ioRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errs.Wrap(errs.UserAbort, ctx.Err(), "stream %s", path)
			}
			backoff *= 2
		}
		skip := delivered
		err := s.streamOnce(ctx, path, plan, func(sb StreamedBlock) error {
			if skip > 0 {
				skip--
				return nil
			}
			if err := fn(sb); err != nil {
				return err
			}
			delivered++
			return nil
		})
		if err == nil {
			return nil
		}
		if kind, ok := errs.KindOf(err); !ok || kind != errs.IOError {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *BlockStreamer) streamOnce(ctx context.Context, path string, plan []PlannedBlock, fn func(StreamedBlock) error) error {
	if len(plan) == 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "open %s", path)
	}
	defer f.Close()

	br := bufio.NewReaderSize(DecodingReader(f, s.Encoding), 64<<10)

	planIdx := 0
	current := plan[planIdx]
	var (
		buffer      []string
		bufferBytes int
		byteOffset  int64
		blockStart  int64 = -1
	)

	flush := func(endOffset int64) error {
		sb := StreamedBlock{Block: current, Lines: buffer, ByteStart: blockStart, ByteEnd: endOffset}
		if blockStart < 0 {
			sb.ByteStart, sb.ByteEnd = 0, 0
		}
		if err := fn(sb); err != nil {
			return err
		}
		buffer = nil
		bufferBytes = 0
		blockStart = -1
		planIdx++
		if planIdx < len(plan) {
			current = plan[planIdx]
		}
		return nil
	}

	lineNumber := -1
	for planIdx < len(plan) {
		// Cooperative cancellation between lines; block reads in flight
		// complete first.
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.UserAbort, ctx.Err(), "stream %s", path)
		default:
		}

		line, err := br.ReadString('\n')
		if len(line) > 0 {
			lineNumber++
			lineStart := byteOffset
			byteOffset += int64(len(line))

			for planIdx < len(plan) && lineNumber > current.EndLine {
				if ferr := flush(lineStart); ferr != nil {
					return ferr
				}
			}
			if planIdx >= len(plan) {
				break
			}
			if lineNumber >= current.StartLine && lineNumber <= current.EndLine {
				if blockStart < 0 {
					blockStart = lineStart
				}
				if bufferBytes+len(line) <= bufferLimitBytes {
					buffer = append(buffer, line)
					bufferBytes += len(line)
				}
			}
			if lineNumber == current.EndLine {
				if ferr := flush(byteOffset); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(errs.IOError, err, "read %s", path)
		}
	}

	// Remaining planned blocks lie past EOF; emit them empty so block ids
	// stay stable.
	for planIdx < len(plan) {
		if err := flush(byteOffset); err != nil {
			return err
		}
	}
	return nil
}

// ScanRows feeds every row of the file through header/row callbacks using the
// given delimiter-agnostic line split; used by the whole-file column
// profiler. The first non-empty line is offered as a header.
func (s *BlockStreamer) ScanRows(ctx context.Context, path string, split func(string) []string, onHeader func([]string), onRow func([]string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "open %s", path)
	}
	defer f.Close()

	br := bufio.NewReaderSize(DecodingReader(f, s.Encoding), 64<<10)
	sawHeader := false
	for {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.UserAbort, ctx.Err(), "profile %s", path)
		default:
		}
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			trimmed := trimEOL(line)
			if trimmed != "" {
				row := split(trimmed)
				if !sawHeader {
					sawHeader = true
					onHeader(row)
				} else {
					onRow(row)
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.IOError, err, "read %s", path)
		}
	}
}

func trimEOL(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
