package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/fieldvault/cmd/app/commands"
	migrationUsecase "github.com/allisson/fieldvault/internal/migration/usecase"
)

func getKeyCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "init-keys",
			Usage: "Create the master key and the data keys of every context, or load existing ones",
			Flags: []cli.Flag{formatFlag()},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				store, err := container.KeyStore(ctx)
				if err != nil {
					return err
				}

				return commands.RunInitKeys(
					ctx,
					store,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("format"),
				)
			},
		},
		{
			Name:  "key-info",
			Usage: "Show the active key version of every context",
			Flags: []cli.Flag{formatFlag()},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				store, err := container.KeyStore(ctx)
				if err != nil {
					return err
				}

				return commands.RunKeyInfo(store, commands.DefaultIO().Writer, cmd.String("format"))
			},
		},
		{
			Name:  "rotate-keys",
			Usage: "Back up the key files and create a new active version for every context",
			Flags: []cli.Flag{formatFlag(), actorFlag()},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				store, err := container.KeyStore(ctx)
				if err != nil {
					return err
				}
				ledger, err := container.Ledger(ctx)
				if err != nil {
					return err
				}

				return commands.RunRotateKeys(
					withActor(ctx, cmd),
					store,
					ledger,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("format"),
				)
			},
		},
		{
			Name:  "provision-context",
			Usage: "Create the first data key of an ad-hoc context",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "context",
					Aliases:  []string{"c"},
					Required: true,
					Usage:    "Context name (lowercase letters, digits and dashes)",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				store, err := container.KeyStore(ctx)
				if err != nil {
					return err
				}

				return commands.RunProvisionContext(
					ctx,
					store,
					container.Logger(),
					commands.DefaultIO().Writer,
					cmd.String("context"),
				)
			},
		},
		{
			Name:  "purge-retired-keys",
			Usage: "Drop retired key versions after a clean re-encryption pass",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "context",
					Aliases: []string{"c"},
					Usage:   "Context to purge (omit to purge every context)",
				},
				&cli.StringSliceFlag{
					Name:    "entity",
					Aliases: []string{"e"},
					Usage:   "Entity to re-encrypt before purging (repeatable, defaults to every registered entity)",
				},
				&cli.IntFlag{
					Name:    "page-size",
					Aliases: []string{"p"},
					Usage:   "Records per page of the re-encryption pass (defaults to MIGRATION_PAGE_SIZE)",
				},
				&cli.BoolFlag{
					Name:  "force",
					Usage: "Purge without the re-encryption pass",
				},
				formatFlag(),
				actorFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				container, err := newContainer()
				if err != nil {
					return err
				}
				defer func() { _ = container.Shutdown(ctx) }()

				store, err := container.KeyStore(ctx)
				if err != nil {
					return err
				}
				ledger, err := container.Ledger(ctx)
				if err != nil {
					return err
				}

				opts := commands.PurgeOptions{
					Context:  cmd.String("context"),
					Entities: cmd.StringSlice("entity"),
					PageSize: int(cmd.Int("page-size")),
					Force:    cmd.Bool("force"),
					Format:   cmd.String("format"),
				}

				var engine migrationUsecase.Engine
				if !opts.Force {
					if engine, err = container.MigrationEngine(ctx); err != nil {
						return err
					}
					if len(opts.Entities) == 0 {
						reg, err := container.Registry()
						if err != nil {
							return err
						}
						opts.Entities = reg.Entities()
					}
					if opts.PageSize == 0 {
						opts.PageSize = container.Config().MigrationPageSize
					}
				}

				return commands.RunPurgeRetiredKeys(
					withActor(ctx, cmd),
					store,
					ledger,
					engine,
					container.Logger(),
					commands.DefaultIO().Writer,
					opts,
				)
			},
		},
	}
}
