package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/trustagent/cmd/du-agent/app"
)

func main() {
	app.NewApp().Run()
}
