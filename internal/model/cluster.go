package model

// HeaderVariant is one observed (file, column) header occurrence with its
// accumulated type profile.
type HeaderVariant struct {
	FilePath       string         `json:"file_path"`
	ColumnIndex    int            `json:"column_index"`
	RawName        string         `json:"raw_name"`
	NormalizedName string         `json:"normalized_name"`
	DetectedTypes  map[string]int `json:"detected_types,omitempty"`
	SampleValues   []string       `json:"sample_values,omitempty"`
	RowCount       int            `json:"row_count,omitempty"`
}

// Reason codes explaining why a cluster was flagged for review.
const (
	ReasonLowConfidence  = "LOW_CONFIDENCE"
	ReasonTypeDivergence = "TYPE_DIVERGENCE"
)

// HeaderCluster groups (file, column) pairs judged to denote the same logical
// field. Version is bumped only when membership or the canonical name changes
// between artifact generations.
type HeaderCluster struct {
	ClusterID     string          `json:"cluster_id"`
	CanonicalName string          `json:"canonical_name"`
	Members       []HeaderVariant `json:"members"`
	Confidence    float64         `json:"confidence"`
	NeedsReview   bool            `json:"needs_review"`
	Version       int             `json:"version"`
	ReasonCodes   []string        `json:"reason_codes,omitempty"`
}

// ClusterArtifact is the persisted header-cluster document. ArtifactVersion
// is a monotonic integer carried on the document, not on individual clusters.
type ClusterArtifact struct {
	ArtifactVersion int             `json:"artifact_version"`
	GeneratedAt     string          `json:"generated_at,omitempty"`
	Clusters        []HeaderCluster `json:"clusters"`
}

// SchemaColumn is one column of a discovered schema after review.
type SchemaColumn struct {
	Index          int      `json:"index"`
	RawName        string   `json:"raw_name"`
	NormalizedName string   `json:"normalized_name,omitempty"`
	DataType       string   `json:"data_type,omitempty"`
	KnownVariants  []string `json:"known_variants,omitempty"`
}

// SchemaDefinition is a discovered schema plus its block ownership. The
// canonical contract is referenced by (namespace, id, version), never held by
// pointer.
type SchemaDefinition struct {
	SchemaID               string           `json:"schema_id"`
	Name                   string           `json:"name"`
	Columns                []SchemaColumn   `json:"columns"`
	BlocksByFile           map[string][]int `json:"blocks_by_file,omitempty"`
	Confidence             float64          `json:"confidence,omitempty"`
	CanonicalNamespace     string           `json:"canonical_namespace,omitempty"`
	CanonicalSchemaID      string           `json:"canonical_schema_id,omitempty"`
	CanonicalSchemaVersion string           `json:"canonical_schema_version,omitempty"`
}

// SchemaMappingEntry maps a concrete (file, source column) onto a canonical
// column position. TargetIndex is nil when no canonical home was found.
type SchemaMappingEntry struct {
	FilePath      string   `json:"file_path"`
	SourceIndex   int      `json:"source_index"`
	CanonicalName string   `json:"canonical_name"`
	TargetIndex   *int     `json:"target_index"`
	Offset        int      `json:"offset,omitempty"`
	OffsetReason  string   `json:"offset_reason,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// FileHeaderSummary is the raw header snapshot for one file.
type FileHeaderSummary struct {
	FileID  string   `json:"file_id"`
	Headers []string `json:"headers"`
}

// HeaderOccurrence is a single (file, column) header sighting.
type HeaderOccurrence struct {
	RawHeader   string `json:"raw_header"`
	FileID      string `json:"file_id"`
	ColumnIndex int    `json:"column_index"`
}

// HeaderTypeProfile aggregates type counts for one raw header across files.
type HeaderTypeProfile struct {
	RawHeader   string         `json:"raw_header"`
	TypeProfile map[string]int `json:"type_profile"`
}

// Mapping is the top-level artifact produced by analyze and refined by the
// review/normalize phases.
type Mapping struct {
	ArtifactVersion   int                   `json:"artifact_version"`
	Schemas           []SchemaDefinition    `json:"schemas"`
	Blocks            []FileBlock           `json:"blocks"`
	HeaderClusters    []HeaderCluster       `json:"header_clusters,omitempty"`
	SchemaMapping     []SchemaMappingEntry  `json:"schema_mapping,omitempty"`
	FileHeaders       []FileHeaderSummary   `json:"file_headers,omitempty"`
	HeaderOccurrences []HeaderOccurrence    `json:"header_occurrences,omitempty"`
	HeaderProfiles    []HeaderTypeProfile   `json:"header_profiles,omitempty"`
	ColumnProfiles    []ColumnProfileResult `json:"column_profiles,omitempty"`
}
