package analysis

import (
	"io"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Supported source encodings. Anything else falls through to UTF-8 with
// replacement characters and a per-file warning attached by the caller.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1251 = "windows-1251"
)

// DecodingReader wraps r so the stream yields UTF-8 regardless of the source
// encoding. For Windows-1251 the charmap decoder transcodes every byte; for
// UTF-8 (and unknown encodings) the bytes pass through untouched and invalid
// sequences surface later as replacement runes.
func DecodingReader(r io.Reader, encoding string) io.Reader {
	switch encoding {
	case EncodingWindows1251:
		return transform.NewReader(r, charmap.Windows1251.NewDecoder())
	default:
		return r
	}
}

// KnownEncoding reports whether the encoding has a native decoder.
func KnownEncoding(encoding string) bool {
	switch encoding {
	case EncodingUTF8, EncodingWindows1251:
		return true
	default:
		return false
	}
}
