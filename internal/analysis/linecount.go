package analysis

import (
	"bytes"
	"io"
	"os"

	"uscsv/internal/errs"
)

const countChunkSize = 1 << 20 // 1 MiB

// CountLines counts newline-delimited rows in binary chunks without
// materializing the file. A trailing partial line counts as one row. The scan
// is encoding-agnostic: it only looks at raw '\n' bytes.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errs.Wrap(errs.IOError, err, "open %s", path)
	}
	defer f.Close()

	buf := make([]byte, countChunkSize)
	lines := 0
	hasData := false
	var lastByte byte

	for {
		n, err := f.Read(buf)
		if n > 0 {
			hasData = true
			lines += bytes.Count(buf[:n], []byte{'\n'})
			lastByte = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errs.Wrap(errs.IOError, err, "read %s", path)
		}
	}
	if hasData && lastByte != '\n' {
		lines++
	}
	return lines, nil
}
