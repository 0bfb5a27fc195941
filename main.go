// The main package for the leadpipe executable.
package main

import (
	"os"

	"github.com/crestwell/leadpipe/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
