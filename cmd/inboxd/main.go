package main

import (
	"flag"

	"github.com/valmat-dev/inboxd/internal/daemon"
	"github.com/valmat-dev/inboxd/internal/paths"
	"go.uber.org/fx"
)

func main() {
	dataFlag := flag.String("data", "", "data directory (default ~/.inboxd)")
	flag.Parse()

	dataDir := *dataFlag
	if dataDir == "" {
		dataDir = paths.Default()
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dataDir}),
	)

	app.Run()
}
