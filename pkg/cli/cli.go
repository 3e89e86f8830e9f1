package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

// Version is set at build time
var Version = "dev"

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:    "memoria",
		Usage:   "Conversation memory manager backed by a language model",
		Version: Version,
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			chatCommand(),
			memoryCommand(),
			updateCommand(),
			snapshotCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// commandFlags joins flag groups in order
func commandFlags(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, g := range groups {
		flags = append(flags, g...)
	}
	return flags
}
