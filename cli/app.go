// Package cli contains the mapcheck command line tool that inspects persisted maps.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	configFlag   = "config"
	debugFlag    = "debug"
	metricsFlag  = "metrics"
	keyframeFlag = "keyframe"
	outFlag      = "out"
)

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     configFlag,
		Aliases:  []string{"c"},
		Usage:    "load camera and feature configuration from `FILE`",
		Required: true,
	},
	&cli.BoolFlag{
		Name:    debugFlag,
		Aliases: []string{"vvv"},
		Usage:   "enable debug logging",
	},
}

var app = &cli.App{
	Name:            "mapcheck",
	Usage:           "inspect and validate persisted maps",
	HideHelpCommand: true,
	Commands: []*cli.Command{
		{
			Name:      "check",
			Usage:     "load a map and validate its structure",
			ArgsUsage: "<map.json>",
			Flags:     commonFlags,
			Action:    CheckAction,
		},
		{
			Name:      "stats",
			Usage:     "print per-keyframe graph statistics",
			ArgsUsage: "<map.json>",
			Flags: append([]cli.Flag{
				&cli.BoolFlag{
					Name:  metricsFlag,
					Usage: "also print map metrics",
				},
			}, commonFlags...),
			Action: StatsAction,
		},
		{
			Name:      "cull",
			Usage:     "erase keyframes from a map and write the result",
			ArgsUsage: "<map.json>",
			Flags: append([]cli.Flag{
				&cli.Int64SliceFlag{
					Name:     keyframeFlag,
					Aliases:  []string{"k"},
					Usage:    "id of a keyframe to erase, may be repeated",
					Required: true,
				},
				&cli.StringFlag{
					Name:     outFlag,
					Aliases:  []string{"o"},
					Usage:    "write the resulting map to `FILE`",
					Required: true,
				},
			}, commonFlags...),
			Action: CullAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
