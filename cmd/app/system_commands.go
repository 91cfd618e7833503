package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/fieldvault/cmd/app/commands"
)

func getSystemCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "db-migrate",
			Usage: "Create or upgrade the records table schema",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				cfg := container.Config()
				return commands.RunMigrations(container.Logger(), cfg.DBDriver, cfg.DBConnectionString)
			},
		},
		{
			Name:  "compliance-report",
			Usage: "Summarize compliance events, check key hygiene and verify event signatures",
			Flags: []cli.Flag{formatFlag()},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				ledger, err := container.Ledger(ctx)
				if err != nil {
					return err
				}

				return commands.RunComplianceReport(
					ctx,
					ledger,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("format"),
				)
			},
		},
		{
			Name:  "protect-record",
			Usage: "Read JSON records from stdin and write them with sensitive fields encrypted",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "entity",
					Aliases:  []string{"e"},
					Required: true,
					Usage:    "Entity whose field policies apply",
				},
				actorFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				processor, err := container.Processor(ctx)
				if err != nil {
					return err
				}

				return commands.RunProtectRecord(
					withActor(ctx, cmd),
					processor,
					container.Logger(),
					commands.DefaultIO(),
					cmd.String("entity"),
				)
			},
		},
		{
			Name:  "unprotect-record",
			Usage: "Read JSON records from stdin and write them with every envelope decrypted",
			Flags: []cli.Flag{actorFlag()},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				processor, err := container.Processor(ctx)
				if err != nil {
					return err
				}

				return commands.RunUnprotectRecord(
					withActor(ctx, cmd),
					processor,
					container.Logger(),
					commands.DefaultIO(),
				)
			},
		},
	}
}
