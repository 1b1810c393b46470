package main

import (
	"os"

	"github.com/G-Research/imagery-orchestrator/cmd/orchestrator/cmd"
	"github.com/G-Research/imagery-orchestrator/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
