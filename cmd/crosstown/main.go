// Package main defines the crosstown command: a payment-gated event relay
// and peer-networking node.
package main

import (
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/crosstown-labs/crosstown/cmd/crosstown/flags"
	"github.com/crosstown-labs/crosstown/node"
)

var log = logrus.WithField("prefix", "main")

var appFlags = flags.Flags

func startNode(ctx *cli.Context) error {
	crosstown, err := node.New(ctx)
	if err != nil {
		return err
	}
	crosstown.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "crosstown"
	app.Usage = "launches a payment-gated event relay node that charges per-event over ILP micropayments"
	app.Flags = appFlags
	app.Action = startNode
	app.Commands = []*cli.Command{
		dbCommands,
	}
	app.Before = func(ctx *cli.Context) error {
		formatter := new(prefixed.TextFormatter)
		formatter.TimestampFormat = "2006-01-02 15:04:05"
		formatter.FullTimestamp = true
		logrus.SetFormatter(formatter)

		level, err := logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		runtime.GOMAXPROCS(runtime.NumCPU())
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
