package main

import (
	"os"

	"github.com/agentuity/go-relay/cmd/relay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
