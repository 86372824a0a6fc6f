package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/external"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/provider/openai"
	"github.com/loomworks/loom/session"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/tools"
	"github.com/loomworks/loom/turn"
)

func newRunCmd() *cobra.Command {
	var (
		configFile   string
		prompt       string
		externalCmd  string
		systemPrompt string
		resumeID     string
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single prompt in a new or resumed session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}

			cfg, err := loadCLIConfig(configFile)
			if err != nil {
				return err
			}
			if systemPrompt != "" {
				cfg.SystemPrompt = systemPrompt
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			var observer observability.Observer = observability.NewSlogObserver(logger)
			if cfg.Observer != "" {
				named, err := observability.GetObserver(cfg.Observer)
				if err != nil {
					return err
				}
				observer = observability.NewMultiObserver(observer, named)
			}

			st, err := store.NewStore(&cfg.Store)
			if err != nil {
				return err
			}

			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}

			var factory session.BackendFactory
			if externalCmd != "" {
				factory = externalFactory(externalCmd, observer)
			} else {
				factory = nativeFactory(cfg, observer)
			}

			opts := []session.Option{
				session.WithObserver(observer),
				session.WithQueueBuffer(cfg.QueueBuffer),
			}
			if st != nil {
				opts = append(opts, session.WithStore(st))
			}

			reg, err := session.NewRegistry(factory, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var s *session.Session
			if resumeID != "" {
				s, err = reg.Resume(ctx, resumeID, cwd)
			} else {
				s, err = reg.Create(ctx, cwd)
			}
			if err != nil {
				return err
			}

			notes, cancelSub := s.Subscribe(256)
			defer cancelSub()
			rendered := make(chan struct{})
			go renderNotifications(cmd.OutOrStdout(), s, notes, rendered)

			res, err := s.Prompt(ctx, protocol.Text(prompt))
			if err != nil {
				return err
			}

			<-rendered

			fmt.Fprintf(cmd.OutOrStdout(), "\nStop reason: %s\n", res.Reason)
			if usage, ok := s.Thread().Usage(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Tokens: %d in / %d out\n", usage.Input, usage.Output)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\n", s.ID())

			if err := reg.Close(ctx, s.ID()); err != nil {
				return err
			}
			if res.Reason == event.StopErrored {
				return fmt.Errorf("turn ended in error")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to config JSON file")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt to send (required)")
	cmd.Flags().StringVar(&externalCmd, "external-cmd", "", "Command line of an external agent to drive over stdio")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "System prompt (overrides config)")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Resume a persisted session by id")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging to stderr")

	return cmd
}

// nativeFactory builds sessions on the in-process executor with the builtin
// tool set.
func nativeFactory(cfg *cliConfig, observer observability.Observer) session.BackendFactory {
	return func(_ context.Context, q *event.Queue[event.Event], _ string) (session.Backend, error) {
		client, err := openai.New(cfg.Provider)
		if err != nil {
			return nil, err
		}

		reg := tools.NewRegistry()
		if err := registerBuiltinTools(reg); err != nil {
			return nil, err
		}

		ex, err := turn.New(client, reg, q, cfg.Turn,
			turn.WithObserver(observer),
			turn.WithSystemPrompt(cfg.SystemPrompt))
		if err != nil {
			return nil, err
		}
		return session.NewExecutorBackend(ex), nil
	}
}

// externalFactory builds sessions on a spawned agent subprocess speaking the
// stdio protocol.
func externalFactory(cmdline string, observer observability.Observer) session.BackendFactory {
	return func(ctx context.Context, q *event.Queue[event.Event], cwd string) (session.Backend, error) {
		parts := strings.Fields(cmdline)
		if len(parts) == 0 {
			return nil, fmt.Errorf("external command must not be empty")
		}

		conn, proc, err := external.Spawn(parts[0], parts[1:]...)
		if err != nil {
			return nil, err
		}

		adapter, err := external.NewAdapter(conn, q, external.WithObserver(observer))
		if err != nil {
			return nil, err
		}
		conn.Start()

		if err := adapter.Initialize(ctx); err != nil {
			return nil, err
		}
		if err := adapter.NewSession(ctx, cwd); err != nil {
			return nil, err
		}

		return &externalBackend{Adapter: adapter, proc: proc}, nil
	}
}

// externalBackend couples the adapter's lifetime to the spawned process.
type externalBackend struct {
	*external.Adapter
	proc *exec.Cmd
}

func (b *externalBackend) Close() error {
	err := b.Adapter.Close()
	_ = b.proc.Wait()
	return err
}
