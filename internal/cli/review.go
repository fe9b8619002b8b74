package cli

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"uscsv/internal/headers"
	"uscsv/internal/mapping"
	"uscsv/internal/model"
	"uscsv/internal/synonyms"
)

func newReviewCommand() *cobra.Command {
	var (
		synonymsPath   string
		output         string
		includeSamples bool
		storePath      string
	)

	cmd := &cobra.Command{
		Use:   "review <mapping>",
		Short: "Cluster blocks into schemas and version the header clusters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := mapping.Load(args[0])
			if err != nil {
				return err
			}

			dict := synonyms.Empty()
			if synonymsPath != "" {
				dict, err = synonyms.FromFile(synonymsPath)
				if err != nil {
					return err
				}
			}
			autoGroups := autoSynonymGroups(doc.Blocks)
			for canonical, variants := range autoGroups {
				for _, v := range variants {
					dict.AddVariant(canonical, v)
				}
			}

			logger := log.New(os.Stderr, "", log.LstdFlags)

			service := &mapping.Service{Synonyms: dict}
			doc = service.Cluster(doc)

			results := resultsFromMapping(doc)
			clusterizer := &headers.Clusterizer{Synonyms: autoGroups}
			clusters := clusterizer.Build(results)

			clusterPath := siblingArtifact(args[0], "header_clusters.json")
			previous, err := mapping.LoadClusterArtifact(clusterPath)
			if err != nil {
				return err
			}
			artifact := headers.CarryVersions(previous, clusters)
			artifact.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
			doc.HeaderClusters = artifact.Clusters
			doc.SchemaMapping = mapping.DetectOffsets(artifact.Clusters, doc.ColumnProfiles)

			if err := mapping.Save(doc, output, includeSamples); err != nil {
				return err
			}
			if err := mapping.SaveClusterArtifact(artifact, clusterPath); err != nil {
				return err
			}

			st, err := openStore(storePath)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
				if err := st.PersistMapping(doc); err != nil {
					return err
				}
				if err := st.PersistHeaderClusters(artifact); err != nil {
					return err
				}
				if err := st.RecordSynonyms(autoGroups); err != nil {
					return err
				}
				if err := st.RecordAudit("mapping", "review", fmt.Sprintf("schemas=%d blocks=%d", len(doc.Schemas), len(doc.Blocks))); err != nil {
					return err
				}
			}

			logger.Printf("stage=review ok schemas=%d clusters=%d artifact_version=%d output=%s",
				len(doc.Schemas), len(artifact.Clusters), artifact.ArtifactVersion, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&synonymsPath, "synonyms", "", "synonym dictionary JSON path")
	cmd.Flags().StringVar(&output, "output", "mapping.review.json", "reviewed mapping artifact path")
	cmd.Flags().BoolVar(&includeSamples, "include-samples", false, "carry sample values forward")
	cmd.Flags().StringVar(&storePath, "store", "", "durable SQLite store path")
	return cmd
}

// autoSynonymGroups derives canonical→variants groups from the observed block
// headers by canonical slug (lowercase, transliterate, strip punctuation).
func autoSynonymGroups(blocks []model.FileBlock) map[string][]string {
	groups := map[string]map[string]struct{}{}
	for _, b := range blocks {
		for _, raw := range b.Signature.HeaderSample {
			slug := headers.NormalizeHeader(raw)
			if slug == "" {
				continue
			}
			set := groups[slug]
			if set == nil {
				set = map[string]struct{}{}
				groups[slug] = set
			}
			set[raw] = struct{}{}
		}
	}
	out := make(map[string][]string, len(groups))
	for slug, set := range groups {
		variants := make([]string, 0, len(set))
		for v := range set {
			variants = append(variants, v)
		}
		sort.Strings(variants)
		out[slug] = variants
	}
	return out
}

// resultsFromMapping reconstructs per-file analysis results from a mapping
// artifact so clustering can run without re-reading the inputs.
func resultsFromMapping(doc model.Mapping) []model.FileAnalysisResult {
	headersByFile := map[string][]string{}
	for _, fh := range doc.FileHeaders {
		headersByFile[fh.FileID] = fh.Headers
	}
	profilesByFile := map[string][]model.ColumnProfileResult{}
	for _, p := range doc.ColumnProfiles {
		profilesByFile[p.FileID] = append(profilesByFile[p.FileID], p)
	}
	blocksByFile := map[string][]model.FileBlock{}
	var order []string
	for _, b := range doc.Blocks {
		if _, ok := blocksByFile[b.FilePath]; !ok {
			order = append(order, b.FilePath)
		}
		blocksByFile[b.FilePath] = append(blocksByFile[b.FilePath], b)
	}

	results := make([]model.FileAnalysisResult, 0, len(order))
	for _, file := range order {
		blocks := blocksByFile[file]
		total := 0
		rawHeaders := headersByFile[file]
		for _, b := range blocks {
			if b.EndLine+1 > total {
				total = b.EndLine + 1
			}
			if len(rawHeaders) == 0 && len(b.Signature.HeaderSample) > 0 {
				rawHeaders = b.Signature.HeaderSample
			}
		}
		results = append(results, model.FileAnalysisResult{
			FilePath:       file,
			TotalLines:     total,
			Blocks:         blocks,
			RawHeaders:     rawHeaders,
			ColumnProfiles: profilesByFile[file],
		})
	}
	return results
}
