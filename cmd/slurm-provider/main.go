package main

import (
	"os"

	"github.com/G-Research/slurm-provider/cmd/slurm-provider/cmd"
	"github.com/G-Research/slurm-provider/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
