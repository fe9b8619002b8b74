package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"uscsv/internal/canonical"
	"uscsv/internal/mapping"
	"uscsv/internal/normalize"
	"uscsv/internal/synonyms"
)

func newNormalizeCommand() *cobra.Command {
	var (
		synonymsPath  string
		canonicalPath string
		output        string
		includeSample bool
		storePath     string
	)

	cmd := &cobra.Command{
		Use:   "normalize <mapping>",
		Short: "Apply the synonym dictionary and bind canonical contracts",
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
			registry, err := canonical.LoadRegistry(canonicalPath)
			if err != nil {
				return err
			}

			service := &normalize.Service{Synonyms: dict, Registry: registry}
			doc = service.Apply(doc)

			if err := mapping.Save(doc, output, includeSample); err != nil {
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
				if err := st.RecordAudit("mapping", "normalize", fmt.Sprintf("schemas=%d", len(doc.Schemas))); err != nil {
					return err
				}
			}

			log.New(os.Stderr, "", log.LstdFlags).Printf("stage=normalize ok schemas=%d output=%s", len(doc.Schemas), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&synonymsPath, "synonyms", "", "synonym dictionary JSON path")
	cmd.Flags().StringVar(&canonicalPath, "canonical-schemas", "", "canonical contract store JSON path")
	cmd.Flags().StringVar(&output, "output", "mapping.normalized.json", "normalized mapping artifact path")
	cmd.Flags().BoolVar(&includeSample, "include-samples", false, "include per-column sample values")
	cmd.Flags().StringVar(&storePath, "store", "", "durable SQLite store path")
	return cmd
}
