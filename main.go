package main

import (
	"os"

	"github.com/openbase-hq/openbase/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
