package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/allisson/fieldvault/internal/app"
	"github.com/allisson/fieldvault/internal/config"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

func getCommands() []*cli.Command {
	cmds := []*cli.Command{}
	cmds = append(cmds, getSystemCommands()...)
	cmds = append(cmds, getKeyCommands()...)
	cmds = append(cmds, getMigrationCommands()...)
	return cmds
}

// newContainer loads and validates the configuration before building the container.
func newContainer() (*app.Container, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return app.NewContainer(cfg), nil
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Value:   "text",
		Usage:   "Output format: 'text' or 'json'",
	}
}

func actorFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "actor",
		Aliases: []string{"a"},
		Usage:   "Identity recorded on compliance events",
	}
}

func withActor(ctx context.Context, cmd *cli.Command) context.Context {
	if actor := cmd.String("actor"); actor != "" {
		return recordDomain.WithActor(ctx, actor)
	}
	return ctx
}
