package main

import (
	"os"

	"github.com/John-Robertt/zfit/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
