// Command barecat is the CLI front end for the archive format implemented
// in internal/archive.
package main

import (
	"os"

	"github.com/barecat/barecat/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
