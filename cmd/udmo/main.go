package main

import (
	"errors"
	"os"

	"github.com/udmo/udmo/cmd/udmo/commands"
	"github.com/udmo/udmo/tunnel"
)

func main() {
	if err := commands.Execute(); err != nil {
		if errors.Is(err, tunnel.ErrHandshakeTimeout) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
