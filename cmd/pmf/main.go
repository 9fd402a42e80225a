package main

import (
	"os"

	"github.com/dativo-io/pmframework/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
