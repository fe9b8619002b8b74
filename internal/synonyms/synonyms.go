// Package synonyms resolves raw column names into normalized targets through
// an opaque canonical→variants mapping, plus the small slug helpers shared by
// normalization and validation.
package synonyms

import (
	"encoding/json"
	"os"
	"strings"
	"unicode"

	"uscsv/internal/errs"
)

// Dictionary maps canonicalized lookups onto canonical names.
type Dictionary struct {
	lookup map[string]string
}

// Empty returns a dictionary with no entries.
func Empty() *Dictionary {
	return &Dictionary{lookup: map[string]string{}}
}

// FromMapping builds a dictionary from canonical→variants. Both the
// canonical name and every variant resolve to the canonical name.
func FromMapping(mapping map[string][]string) *Dictionary {
	d := Empty()
	for canonical, variants := range mapping {
		key := Canonicalize(canonical)
		if key != "" {
			d.lookup[key] = canonical
		}
		for _, variant := range variants {
			if vk := Canonicalize(variant); vk != "" {
				d.lookup[vk] = canonical
			}
		}
	}
	return d
}

// FromFile loads a JSON dictionary {"canonical": ["variant", ...], ...}. A
// missing file yields an empty dictionary: the feature is optional.
func FromFile(path string) (*Dictionary, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Empty(), nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "read synonyms %s", path)
	}
	var mapping map[string][]string
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return nil, errs.Wrap(errs.ParsingError, err, "decode synonyms %s", path)
	}
	return FromMapping(mapping), nil
}

// Normalize resolves a raw header into its canonical name, falling back to
// the slug of the raw name when no synonym matches.
func (d *Dictionary) Normalize(rawName string) string {
	key := Canonicalize(rawName)
	if key == "" {
		if trimmed := strings.TrimSpace(rawName); trimmed != "" {
			return trimmed
		}
		return "column"
	}
	if canonical, ok := d.lookup[key]; ok {
		return canonical
	}
	return Slugify(rawName)
}

// AddVariant registers one extra variant at runtime.
func (d *Dictionary) AddVariant(canonical, variant string) {
	if vk := Canonicalize(variant); vk != "" {
		d.lookup[vk] = canonical
	}
}

// Len reports the number of resolvable variants.
func (d *Dictionary) Len() int { return len(d.lookup) }

// Canonicalize lowercases and strips everything but letters and digits; it is
// the dictionary lookup key and the column matching key for validation.
func Canonicalize(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Slugify produces a compact lowercase identifier with underscores for
// separators; used for output file names and normalized column names.
func Slugify(value string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "dataset"
	}
	return out
}
