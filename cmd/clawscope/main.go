package main

import (
	"os"

	"github.com/ClawScope/ClawScope/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
