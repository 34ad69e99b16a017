package main

import (
	"errors"
	"fmt"
	"os"

	"syncjob/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		if !errors.Is(err, cli.ErrReported) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
