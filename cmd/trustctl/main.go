package main

import (
	"os"

	"github.com/autopeer-io/trustagent/cmd/trustctl/app"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
