package main

import (
	"os"

	"github.com/malbeclabs/pharma-lake/lake/internal/cli"
)

func main() {
	os.Exit(int(cli.Run(os.Args[1:], os.Stdout, os.Stderr)))
}
