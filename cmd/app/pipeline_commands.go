package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/relay/cmd/app/commands"
	"github.com/allisson/relay/internal/app"
	"github.com/allisson/relay/internal/config"
)

func getPipelineCommands(version string) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "dispatcher",
			Usage: "Start the outbox dispatcher worker",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunDispatcher(ctx, version)
			},
		},
		{
			Name:  "retry-worker",
			Usage: "Start the idempotency retry worker",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunRetryWorker(ctx, version)
			},
		},
		{
			Name:  "consumer",
			Usage: "Start the command stream consumer",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunConsumer(ctx, version)
			},
		},
		{
			Name:  "requeue",
			Usage: "Requeue dead-lettered or failed outbox events for redelivery",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "status",
					Aliases: []string{"s"},
					Value:   "dlq",
					Usage:   "Status of events to requeue: 'dlq' or 'failed'",
				},
				&cli.StringFlag{
					Name:    "tenant",
					Aliases: []string{"t"},
					Usage:   "Only requeue events for this tenant",
				},
				&cli.StringFlag{
					Name:    "event-type",
					Aliases: []string{"e"},
					Usage:   "Only requeue events of this type",
				},
				&cli.StringFlag{
					Name:    "aggregate",
					Aliases: []string{"a"},
					Usage:   "Only requeue events for this aggregate ID",
				},
				&cli.IntFlag{
					Name:    "limit",
					Aliases: []string{"l"},
					Value:   100,
					Usage:   "Maximum number of events to requeue",
				},
				&cli.StringFlag{
					Name:    "note",
					Aliases: []string{"n"},
					Usage:   "Operator note recorded on the requeued events",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				requeueUseCase, err := container.RequeueUseCase()
				if err != nil {
					return err
				}

				return commands.RunRequeue(
					ctx,
					requeueUseCase,
					commands.DefaultIO().Writer,
					cmd.String("status"),
					cmd.String("tenant"),
					cmd.String("event-type"),
					cmd.String("aggregate"),
					int(cmd.Int("limit")),
					cmd.String("note"),
				)
			},
		},
	}
}
