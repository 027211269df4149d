package main

import (
	"os"

	"github.com/OpenCuff/OpenCuff/cli"
)

func main() {
	os.Exit(cli.Execute())
}
