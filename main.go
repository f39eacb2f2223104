package main

import (
	"os"

	"github.com/neul-labs/openclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
