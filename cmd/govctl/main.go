package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/upb/analytics-control-plane/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "govctl: %v\n", err)
		}
		os.Exit(cli.ExitCode(err))
	}
}
