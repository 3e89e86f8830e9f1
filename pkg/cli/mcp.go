package cli

import (
	"context"

	"github.com/m-mizutani/memoria/pkg/service/mcp"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve memory tools over MCP stdio",
		Flags: commandFlags(globalFlags(&cfg), storeFlags(&cfg), llmFlags(&cfg), managerFlags(&cfg), archiveFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

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
			session := memory.NewSession(mgr)

			server := mcp.NewServer(session,
				mcp.WithVersion(Version),
				mcp.WithVisibleLimit(int(cfg.visibleLimit)),
			)
			if err := server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
				return err
			}

			return cfg.saveSnapshot(ctx, session.Current())
		},
	}
}
