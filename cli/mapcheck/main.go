// Package main is the mapcheck command itself.
package main

import (
	"os"

	"github.com/fleuryloic/openvsslam/cli"
	"github.com/fleuryloic/openvsslam/logging"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		logging.Global().Errorw("mapcheck failed", "error", err)
		os.Exit(1)
	}
}
