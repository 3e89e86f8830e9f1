package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/urfave/cli/v3"
)

func updateCommand() *cli.Command {
	var (
		cfg            config
		transcriptPath string
		delta          int64
		limit          int64
	)

	flags := commandFlags(globalFlags(&cfg), storeFlags(&cfg), llmFlags(&cfg), managerFlags(&cfg), archiveFlags(&cfg))
	flags = append(flags,
		&cli.StringFlag{
			Name:        "transcript",
			Aliases:     []string{"t"},
			Usage:       "YAML or JSON file with the chat messages to learn from",
			Required:    true,
			Destination: &transcriptPath,
		},
		&cli.IntFlag{
			Name:        "delta",
			Usage:       "Relevance added to each memory associated with the transcript",
			Value:       1,
			Destination: &delta,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Number of memories made visible after the update (defaults to --visible-limit)",
			Value:       -1,
			Destination: &limit,
		},
	)

	return &cli.Command{
		Name:  "update",
		Usage: "Run a full memory update from a transcript file",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			var transcript []model.ChatMessage
			if err := readYAML(transcriptPath, &transcript); err != nil {
				return goerr.Wrap(err, "failed to load transcript")
			}

			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			client, err := cfg.newOracle(ctx)
			if err != nil {
				return err
			}

			mgr, err := cfg.newManager(ctx, repo, client)
			if err != nil {
				return err
			}

			if limit < 0 {
				limit = cfg.visibleLimit
			}

			next, err := mgr.FullUpdate(ctx, transcript, int(delta))
			if err != nil {
				return err
			}
			next, err = next.RefreshVisible(ctx, int(limit))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			relevance := next.Relevance()
			for _, m := range next.Visible() {
				fmt.Fprintf(w, "%d\t%s\t%s\n", relevance.Get(m.Name), m.Name, m.Abstract)
			}

			return cfg.saveSnapshot(ctx, next)
		},
	}
}
