package main

import (
	"os"

	"github.com/Moey28/Dune-data-market-collection/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
