package main

import (
	"fmt"
	"os"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
