// Package config loads and validates runtime configuration profiles.
//
// A config document is JSON of the form:
//
//	{
//	  "version": 1,
//	  "global": {"encoding": "utf-8", "error_policy": "replace", ...},
//	  "profiles": {"low_memory": {...}, "workstation": {...}}
//	}
//
// Profiles resolve into ProfileSettings; validation reports issues with
// severity + path so the CLI can print everything wrong in one pass.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// GlobalSettings apply across profiles.
type GlobalSettings struct {
	Encoding            string `json:"encoding"`
	ErrorPolicy         string `json:"error_policy"`
	SynonymDictionary   string `json:"synonym_dictionary,omitempty"`
	CanonicalSchemaPath string `json:"canonical_schema_path,omitempty"`
}

// ProfileSettings hold the per-profile knobs.
type ProfileSettings struct {
	Description       string               `json:"description,omitempty"`
	BlockSize         int                  `json:"block_size"`
	MinGapLines       int                  `json:"min_gap_lines"`
	MaxParallelFiles  int                  `json:"max_parallel_files"`
	SampleValuesCap   int                  `json:"sample_values_cap"`
	WriterChunkRows   int                  `json:"writer_chunk_rows"`
	HeaderNontextRate float64              `json:"header_nontext_ratio,omitempty"`
	ResourceLimits    model.ResourceLimits `json:"resource_limits,omitempty"`
}

// RuntimeConfig is the resolved configuration for a single run.
type RuntimeConfig struct {
	Global  GlobalSettings
	Profile ProfileSettings
}

// Document is a parsed config file before profile resolution.
type Document struct {
	Version  int                        `json:"version"`
	Global   GlobalSettings             `json:"global"`
	Profiles map[string]ProfileSettings `json:"profiles"`
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

const (
	defaultHeaderNontextRatio = 0.7
	defaultWriterChunkRows    = 10000
)

// Defaults returns the built-in document with the two conventional profiles.
func Defaults() Document {
	return Document{
		Version: 1,
		Global: GlobalSettings{
			Encoding:    "utf-8",
			ErrorPolicy: "replace",
		},
		Profiles: map[string]ProfileSettings{
			"low_memory": {
				Description:       "Sequential scanning with tight sample caps",
				BlockSize:         1000,
				MinGapLines:       500,
				MaxParallelFiles:  1,
				SampleValuesCap:   24,
				WriterChunkRows:   defaultWriterChunkRows,
				HeaderNontextRate: defaultHeaderNontextRatio,
			},
			"workstation": {
				Description:       "Parallel scanning for multi-core hosts",
				BlockSize:         10000,
				MinGapLines:       2000,
				MaxParallelFiles:  4,
				SampleValuesCap:   64,
				WriterChunkRows:   defaultWriterChunkRows,
				HeaderNontextRate: defaultHeaderNontextRatio,
			},
		},
	}
}

// Load reads a config document from path, or the built-in defaults when path
// is empty, and resolves the named profile.
func Load(path, profile string) (RuntimeConfig, error) {
	doc := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return RuntimeConfig{}, errs.Wrap(errs.ConfigError, err, "read config %s", path)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return RuntimeConfig{}, errs.Wrap(errs.ConfigError, err, "parse config %s", path)
		}
	}
	return Resolve(doc, profile)
}

// Resolve validates the document and extracts one profile.
func Resolve(doc Document, profile string) (RuntimeConfig, error) {
	issues := Validate(doc)
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return RuntimeConfig{}, errs.New(errs.ConfigError, "%s", iss.String())
		}
	}
	ps, ok := doc.Profiles[profile]
	if !ok {
		known := make([]string, 0, len(doc.Profiles))
		for name := range doc.Profiles {
			known = append(known, name)
		}
		return RuntimeConfig{}, errs.New(errs.ConfigError, "profile %q not found (known: %s)", profile, strings.Join(known, ", "))
	}
	applyProfileDefaults(&ps)
	g := doc.Global
	applyGlobalDefaults(&g)
	return RuntimeConfig{Global: g, Profile: ps}, nil
}

// Validate checks a document and returns all issues found.
func Validate(doc Document) []Issue {
	var issues []Issue
	errf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, args...)})
	}

	if doc.Version <= 0 {
		errf("version", "must be a positive integer")
	}
	switch strings.ToLower(doc.Global.ErrorPolicy) {
	case "", "fail-fast", "strict", "replace":
	default:
		errf("global.error_policy", "unsupported policy %q (allowed: fail-fast, strict, replace)", doc.Global.ErrorPolicy)
	}
	switch normalizeEncoding(doc.Global.Encoding) {
	case "utf-8", "windows-1251":
	default:
		warnf("global.encoding", "encoding %q not natively supported; undecodable bytes become replacement characters", doc.Global.Encoding)
	}

	if len(doc.Profiles) == 0 {
		errf("profiles", "at least one profile is required")
	}
	for name, p := range doc.Profiles {
		prefix := "profiles." + name
		if p.BlockSize <= 0 {
			errf(prefix+".block_size", "must be greater than zero")
		}
		if p.MinGapLines <= 0 {
			errf(prefix+".min_gap_lines", "must be greater than zero")
		}
		if p.MaxParallelFiles <= 0 {
			errf(prefix+".max_parallel_files", "must be greater than zero")
		}
		if p.SampleValuesCap <= 0 {
			errf(prefix+".sample_values_cap", "must be greater than zero")
		}
		if p.WriterChunkRows < 0 {
			errf(prefix+".writer_chunk_rows", "must not be negative")
		}
		if p.HeaderNontextRate < 0 || p.HeaderNontextRate > 1 {
			errf(prefix+".header_nontext_ratio", "must be within [0, 1]")
		}
		rl := p.ResourceLimits
		if rl.MemoryMB < 0 || rl.SpillMB < 0 || rl.MaxWorkers < 0 {
			errf(prefix+".resource_limits", "budgets must not be negative")
		}
		if rl.MaxWorkers > 0 && p.MaxParallelFiles > rl.MaxWorkers {
			warnf(prefix+".max_parallel_files", "exceeds resource_limits.max_workers=%d and will be clamped", rl.MaxWorkers)
		}
	}
	return issues
}

func applyProfileDefaults(p *ProfileSettings) {
	if p.WriterChunkRows == 0 {
		p.WriterChunkRows = defaultWriterChunkRows
	}
	if p.HeaderNontextRate == 0 {
		p.HeaderNontextRate = defaultHeaderNontextRatio
	}
	if p.ResourceLimits.TempDir == "" {
		p.ResourceLimits.TempDir = "artifacts/tmp"
	}
}

func applyGlobalDefaults(g *GlobalSettings) {
	if g.Encoding == "" {
		g.Encoding = "utf-8"
	}
	if g.ErrorPolicy == "" {
		g.ErrorPolicy = "replace"
	}
}

// StrictDecoding reports whether the error policy demands failing on bad
// bytes instead of replacing them.
func (g GlobalSettings) StrictDecoding() bool {
	switch strings.ToLower(g.ErrorPolicy) {
	case "fail-fast", "strict":
		return true
	default:
		return false
	}
}

func normalizeEncoding(enc string) string {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "utf8", "utf-8":
		return "utf-8"
	case "cp1251", "windows-1251", "windows1251":
		return "windows-1251"
	default:
		return strings.ToLower(strings.TrimSpace(enc))
	}
}

// NormalizedEncoding exposes the canonical encoding name for the run.
func (g GlobalSettings) NormalizedEncoding() string { return normalizeEncoding(g.Encoding) }
