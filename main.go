package main

import (
	"os"

	"github.com/jacklau/dupes/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
