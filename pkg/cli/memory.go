package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/repository"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func memoryCommand() *cli.Command {
	var cfg config

	flags := commandFlags(globalFlags(&cfg), storeFlags(&cfg))

	// withRepo opens the configured store for the duration of fn
	withRepo := func(fn func(ctx context.Context, c *cli.Command, repo repository.Repository) error) cli.ActionFunc {
		return func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()
			return fn(ctx, c, repo)
		}
	}

	var (
		name     string
		abstract string
		block    string
		file     string
	)

	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and edit stored memories",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List abstracts of stored memories",
				Flags: flags,
				Action: withRepo(func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
					abstracts, err := repo.FetchAllAbstracts(ctx)
					if err != nil {
						return err
					}
					w := c.Root().Writer
					for _, a := range abstracts {
						fmt.Fprintf(w, "%s\t%s\n", a.Name, a.Abstract)
					}
					return nil
				}),
			},
			{
				Name:      "show",
				Usage:     "Show a stored memory",
				ArgsUsage: "<name>",
				Flags:     flags,
				Action: withRepo(func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
					target := c.Args().First()
					if target == "" {
						return goerr.New("memory name is required")
					}
					m, err := repo.FetchByName(ctx, target)
					if err != nil {
						return err
					}
					if m == nil {
						return goerr.Wrap(model.ErrNotFound, "failed to show memory", goerr.V("name", target))
					}

					out, err := json.MarshalIndent(m, "", "  ")
					if err != nil {
						return goerr.Wrap(err, "failed to marshal memory")
					}
					fmt.Fprintln(c.Root().Writer, string(out))
					return nil
				}),
			},
			{
				Name:  "add",
				Usage: "Add memories from flags or a YAML file",
				Flags: append(commandFlags(flags), []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Memory name", Destination: &name},
					&cli.StringFlag{Name: "abstract", Usage: "Memory abstract", Destination: &abstract},
					&cli.StringFlag{Name: "block", Usage: "Memory block", Destination: &block},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "YAML file with a list of memories", Destination: &file},
				}...),
				Action: withRepo(func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
					var memories []model.Memory
					if file != "" {
						if err := readYAML(file, &memories); err != nil {
							return err
						}
					}
					if name != "" {
						memories = append(memories, model.Memory{Name: name, Abstract: abstract, MemoryBlock: block})
					}
					if len(memories) == 0 {
						return goerr.New("either --name or --file is required")
					}

					for _, m := range memories {
						if err := repo.Add(ctx, m); err != nil {
							return goerr.Wrap(err, "failed to add memory", goerr.V("name", m.Name))
						}
						logging.From(ctx).Info("memory added", "name", m.Name)
					}
					return nil
				}),
			},
			{
				Name:      "rm",
				Usage:     "Remove a stored memory",
				ArgsUsage: "<name>",
				Flags:     flags,
				Action: withRepo(func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
					target := c.Args().First()
					if target == "" {
						return goerr.New("memory name is required")
					}
					if err := repo.Remove(ctx, target); err != nil {
						return err
					}
					logging.From(ctx).Info("memory removed", "name", target)
					return nil
				}),
			},
		},
	}
}
