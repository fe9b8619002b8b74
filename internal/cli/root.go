// Package cli wires the five pipeline verbs onto a cobra command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"uscsv/internal/errs"
	"uscsv/internal/store"
)

// supportedExtensions for input discovery.
var supportedExtensions = map[string]struct{}{
	".csv": {},
	".tsv": {},
	".txt": {},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, kinded := errs.KindOf(err); !kinded {
			// Unkinded errors reaching the top are cobra usage/flag
			// failures; pipeline paths always attach a kind.
			return errs.ExitUserError
		}
		return errs.ExitCode(err)
	}
	return errs.ExitOK
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "uscsv",
		Short:         "Resource-aware delimited-text analysis and normalization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newAnalyzeCommand(),
		newBenchmarkCommand(),
		newReviewCommand(),
		newNormalizeCommand(),
		newMaterializeCommand(),
	)
	return root
}

// collectInputFiles expands files and directories into a deduplicated,
// sorted list of delimited-text inputs.
func collectInputFiles(targets []string) ([]string, error) {
	var files []string
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, errs.Wrap(errs.IOError, err, "stat %s", target)
		}
		if !info.IsDir() {
			files = append(files, target)
			continue
		}
		err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]; ok {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, errs.Wrap(errs.IOError, err, "walk %s", target)
		}
	}
	sort.Strings(files)
	deduped := files[:0]
	seen := map[string]struct{}{}
	for _, f := range files {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		deduped = append(deduped, f)
	}
	return deduped, nil
}

// openStore opens the optional durable store; an empty path yields nil.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.IOError, err, "create store dir %s", dir)
		}
	}
	return store.Open(path)
}

// siblingArtifact derives sibling artifact names like
// mapping.json -> mapping.header_clusters.json.
func siblingArtifact(mappingPath, suffix string) string {
	dir := filepath.Dir(mappingPath)
	base := filepath.Base(mappingPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+"."+suffix)
}
