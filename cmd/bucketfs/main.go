package main

import (
	"os"

	"github.com/objectfs/bucketfs/cmd/bucketfs/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
