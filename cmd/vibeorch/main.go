package main

import (
	"os"

	"github.com/mmacy/vibe-orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
