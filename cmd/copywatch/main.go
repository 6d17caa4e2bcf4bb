package main

import (
	"errors"
	"os"

	"github.com/majorcontext/copywatch/cmd/copywatch/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		if errors.Is(err, cli.ErrStalled) {
			os.Exit(cli.ExitStalled)
		}
		os.Exit(1)
	}
}
