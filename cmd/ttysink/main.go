package main

import (
	"os"

	"github.com/lawrencejones/ttysink/cmd/ttysink/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		os.Exit(1)
	}
}
