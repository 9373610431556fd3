package main

import (
	"fmt"
	"os"

	"github.com/avvvet/intent-router/internal/command"
)

var version = "dev"

func main() {
	if err := command.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
