package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/allisson/fieldvault/cmd/app/commands"
	"github.com/allisson/fieldvault/internal/app"
	migrationUsecase "github.com/allisson/fieldvault/internal/migration/usecase"
)

type migrationRunner func(
	ctx context.Context,
	engine migrationUsecase.Engine,
	logger *slog.Logger,
	writer io.Writer,
	entities []string,
	pageSize int,
	format string,
) error

func migrationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "entity",
			Aliases:  []string{"e"},
			Required: true,
			Usage:    "Entity to process (repeatable)",
		},
		&cli.IntFlag{
			Name:    "page-size",
			Aliases: []string{"p"},
			Usage:   "Records per page (defaults to MIGRATION_PAGE_SIZE)",
		},
		formatFlag(),
	}
}

func getMigrationCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "migrate-entity",
			Usage: "Encrypt the plaintext sensitive fields of stored records",
			Flags: migrationFlags(),
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return runMigration(ctx, cmd, commands.RunMigrateEntity)
			},
		},
		{
			Name:  "rollback-entity",
			Usage: "Decrypt the protected sensitive fields of stored records back to plaintext",
			Flags: migrationFlags(),
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return runMigration(ctx, cmd, commands.RunRollbackEntity)
			},
		},
		{
			Name:  "reencrypt-entity",
			Usage: "Re-encrypt fields sealed under retired key versions with the active keys",
			Flags: migrationFlags(),
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return runMigration(ctx, cmd, commands.RunReencryptEntity)
			},
		},
	}
}

// runMigration stops between pages on SIGINT/SIGTERM. While it runs, the metrics server is
// started in the background when metrics are enabled.
func runMigration(ctx context.Context, cmd *cli.Command, run migrationRunner) error {
	container, err := newContainer()
	if err != nil {
		return err
	}
	defer func() { _ = container.Shutdown(context.Background()) }()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine, err := container.MigrationEngine(ctx)
	if err != nil {
		return err
	}
	startMetricsServer(ctx, container)

	pageSize := int(cmd.Int("page-size"))
	if pageSize == 0 {
		pageSize = container.Config().MigrationPageSize
	}

	return run(
		ctx,
		engine,
		container.Logger(),
		commands.DefaultIO().Writer,
		cmd.StringSlice("entity"),
		pageSize,
		cmd.String("format"),
	)
}

func startMetricsServer(ctx context.Context, container *app.Container) {
	cfg := container.Config()
	if !cfg.MetricsEnabled {
		return
	}
	gin.SetMode(cfg.GetGinMode())

	logger := container.Logger()
	server, err := container.MetricsServer(ctx)
	if err != nil {
		logger.Warn("metrics server unavailable", slog.Any("error", err))
		return
	}
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()
}
