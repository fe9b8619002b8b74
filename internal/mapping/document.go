package mapping

import (
	"encoding/json"
	"os"
	"path/filepath"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// ArtifactVersion of the mapping document format produced by this build.
const ArtifactVersion = 2

// Save writes the mapping artifact as indented JSON via write-temp+rename.
// When includeSamples is false, per-column sample payloads are stripped from
// the stored copy; the in-memory mapping is left untouched.
func Save(m model.Mapping, path string, includeSamples bool) error {
	if m.ArtifactVersion == 0 {
		m.ArtifactVersion = ArtifactVersion
	}
	out := m
	if !includeSamples {
		out = StripSamples(m)
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "encode mapping")
	}
	return atomicWrite(path, raw)
}

// Load reads a mapping artifact back.
func Load(path string) (model.Mapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Mapping{}, errs.Wrap(errs.IOError, err, "read mapping %s", path)
	}
	var m model.Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Mapping{}, errs.Wrap(errs.ParsingError, err, "decode mapping %s", path)
	}
	return m, nil
}

// StripSamples returns a deep-enough copy of the mapping with sample values
// removed from block signatures, cluster members and column profiles.
func StripSamples(m model.Mapping) model.Mapping {
	out := m

	out.Blocks = make([]model.FileBlock, len(m.Blocks))
	for i, b := range m.Blocks {
		nb := b
		if len(b.Signature.Columns) > 0 {
			cols := make(map[int]*model.ColumnStats, len(b.Signature.Columns))
			for idx, st := range b.Signature.Columns {
				cp := *st
				cp.SampleValues = nil
				cols[idx] = &cp
			}
			nb.Signature.Columns = cols
		}
		out.Blocks[i] = nb
	}

	out.HeaderClusters = make([]model.HeaderCluster, len(m.HeaderClusters))
	for i, cl := range m.HeaderClusters {
		nc := cl
		nc.Members = make([]model.HeaderVariant, len(cl.Members))
		for j, v := range cl.Members {
			nv := v
			nv.SampleValues = nil
			nc.Members[j] = nv
		}
		out.HeaderClusters[i] = nc
	}

	out.ColumnProfiles = make([]model.ColumnProfileResult, len(m.ColumnProfiles))
	for i, p := range m.ColumnProfiles {
		np := p
		np.SampleValues = nil
		out.ColumnProfiles[i] = np
	}
	return out
}

// SaveClusterArtifact writes the standalone header-cluster document.
func SaveClusterArtifact(artifact model.ClusterArtifact, path string) error {
	raw, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "encode cluster artifact")
	}
	return atomicWrite(path, raw)
}

// LoadClusterArtifact reads a previously written cluster document; a missing
// file yields (nil, nil) so first runs need no special casing.
func LoadClusterArtifact(path string) (*model.ClusterArtifact, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "read cluster artifact %s", path)
	}
	var artifact model.ClusterArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, errs.Wrap(errs.ParsingError, err, "decode cluster artifact %s", path)
	}
	return &artifact, nil
}

func atomicWrite(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IOError, err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".mapping-*.tmp")
	if err != nil {
		return errs.Wrap(errs.IOError, err, "create temp in %s", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, err, "write %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, err, "rename %s", path)
	}
	return nil
}
