package main

import (
	"os"

	"github.com/abramin/annoscan/cmd/annoscan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
