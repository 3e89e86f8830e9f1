package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/usecase/archive"
	"github.com/urfave/cli/v3"
)

func snapshotCommand() *cli.Command {
	var (
		cfg config
		key string
	)

	keyFlag := &cli.StringFlag{
		Name:        "key",
		Aliases:     []string{"k"},
		Usage:       "Snapshot key",
		Required:    true,
		Destination: &key,
	}

	return &cli.Command{
		Name:  "snapshot",
		Usage: "Save or show archived manager snapshots",
		Commands: []*cli.Command{
			{
				Name:  "save",
				Usage: "Rank stored memories and archive the result under a key",
				Flags: commandFlags(globalFlags(&cfg), storeFlags(&cfg), managerFlags(&cfg), archiveFlags(&cfg), []cli.Flag{keyFlag}),
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.setupLogger(ctx)

					repo, closeRepo, err := cfg.newRepository(ctx)
					if err != nil {
						return err
					}
					defer closeRepo()

					// Ranking and restoring never consult the oracle
					mgr, err := cfg.newManager(ctx, repo, nil)
					if err != nil {
						return err
					}

					storage, err := cfg.newStorage(ctx)
					if err != nil {
						return err
					}
					state, err := archive.Save(ctx, storage, key, mgr)
					if err != nil {
						return err
					}
					return printState(c, state)
				},
			},
			{
				Name:  "show",
				Usage: "Print an archived snapshot",
				Flags: commandFlags(globalFlags(&cfg), archiveFlags(&cfg), []cli.Flag{keyFlag}),
				Action: func(ctx context.Context, c *cli.Command) error {
					ctx = cfg.setupLogger(ctx)

					storage, err := cfg.newStorage(ctx)
					if err != nil {
						return err
					}
					state, err := archive.Load(ctx, storage, key)
					if err != nil {
						return err
					}
					return printState(c, state)
				},
			},
		},
	}
}

func printState(c *cli.Command, state *archive.State) error {
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal snapshot state")
	}
	fmt.Fprintln(c.Root().Writer, string(out))
	return nil
}
