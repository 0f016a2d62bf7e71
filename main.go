package main

import (
	"os"

	"github.com/tozahudud/patrol/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
