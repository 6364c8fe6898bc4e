// Package main is the entry point for the lineagectl binary.
package main

import (
	"os"

	cli "lineage-stats/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
