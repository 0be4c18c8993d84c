package main

import (
	"os"

	"github.com/vitaliisemenov/multipkg/cmd/multipkg/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
