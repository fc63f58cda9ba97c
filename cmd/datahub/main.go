package main

import (
	"fmt"
	"os"

	"github.com/Ramsey-B/datahub/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "datahub:", err)
		os.Exit(1)
	}
}
