package main

import (
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/crosstown-labs/crosstown/cmd/crosstown/flags"
	"github.com/crosstown-labs/crosstown/db"
)

var dbCommands = &cli.Command{
	Name:  "db",
	Usage: "commands for interacting with the event store",
	Subcommands: []*cli.Command{
		{
			Name:  "backup",
			Usage: "write a hot backup of the event store while the node is offline",
			Flags: []cli.Flag{
				flags.DataDirFlag,
				flags.BackupOutDirFlag,
			},
			Action: backupDB,
		},
	},
}

func backupDB(ctx *cli.Context) error {
	dbPath := filepath.Join(ctx.String(flags.DataDirFlag.Name), "eventstore")
	store, err := db.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Could not close event store")
		}
	}()
	return store.Backup(ctx.Context, ctx.String(flags.BackupOutDirFlag.Name))
}
