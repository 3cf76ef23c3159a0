package main

import (
	"os"

	"github.com/songzhibin97/sequence-engine/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
