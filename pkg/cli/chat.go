package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with the oracle while memories are kept up to date",
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

			historyFile := ""
			if home, err := os.UserHomeDir(); err == nil {
				historyFile = filepath.Join(home, ".memoria_history")
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize readline")
			}
			defer rl.Close()

			w := c.Root().Writer
			fmt.Fprintf(w, "Chat session started with %d visible memories. Type 'exit' to quit, '/memories' to list them.\n",
				len(session.Current().Visible()))

			var transcript []model.ChatMessage
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				switch message {
				case "":
					continue
				case "exit", "quit":
					return cfg.saveSnapshot(ctx, session.Current())
				case "/memories":
					printMemories(w, session.Current().Visible())
					continue
				}

				turn := []model.ChatMessage{{Role: model.RoleUser, Text: message}}
				reply, err := withSpinner("thinking...", func() (string, error) {
					return session.Current().Generate(ctx, buildPrompt(session.Current(), append(transcript, turn...)))
				})
				if err != nil {
					logging.From(ctx).Error("failed to generate reply", "error", err)
					fmt.Fprintf(w, "(no reply: %s)\n", err.Error())
					continue
				}
				fmt.Fprintf(w, "%s\n", reply)

				turn = append(turn, model.ChatMessage{Role: model.RoleAssistant, Text: reply})
				transcript = append(transcript, turn...)

				_, err = withSpinner("updating memories...", func() (string, error) {
					_, err := session.Apply(ctx, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
						next, err := m.FullUpdate(ctx, turn, 1)
						if err != nil {
							return nil, err
						}
						return next.RefreshVisible(ctx, int(cfg.visibleLimit))
					})
					return "", err
				})
				if err != nil {
					logging.From(ctx).Warn("memory update failed, keeping previous memories", "error", err)
				}
			}

			fmt.Fprintf(w, "\nChat session completed\n")
			return cfg.saveSnapshot(ctx, session.Current())
		},
	}
}

// buildPrompt puts the memory context in front of the transcript
func buildPrompt(mgr *memory.Manager, transcript []model.ChatMessage) []model.ChatMessage {
	msg, ok := mgr.Context()
	if !ok {
		return transcript
	}
	return append([]model.ChatMessage{msg}, transcript...)
}

func withSpinner(suffix string, fn func() (string, error)) (string, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	s.Start()
	defer s.Stop()
	return fn()
}

func printMemories(w io.Writer, memories []model.Memory) {
	if len(memories) == 0 {
		fmt.Fprintf(w, "(no visible memories)\n")
		return
	}
	for _, m := range memories {
		fmt.Fprintf(w, "- %s: %s\n", m.Name, m.Abstract)
	}
}
