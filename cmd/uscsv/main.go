// Command uscsv is the pipeline binary: analyze, benchmark, review,
// normalize and materialize delimited-text datasets.
package main

import (
	"os"

	"uscsv/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
