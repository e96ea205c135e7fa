package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codeYAY/SPACE/internal/config"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/codeYAY/SPACE/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rushed",
		Short:         "Durable agent workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and consume NATS triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.LogLevel, cfg.LogFormat)
			log.Info().Str("version", cfg.Version).Msg("🏁 Rushed agent starting...")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer srv.Close(context.Background())

			return srv.Serve(ctx)
		},
	}
}

type runFlags struct {
	id        string
	prompt    string
	projectID string
	userID    string
	token     string
	source    string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one workflow run in the foreground",
		Long: `Execute one workflow run in the foreground and print the result as JSON.
Passing --id of an earlier run resumes it from its last completed step when a
durable step store is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.LogLevel, cfg.LogFormat)

			ev, err := f.event()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer srv.Close(context.Background())

			run, result, err := srv.Engine.Execute(ctx, ev)
			if err != nil {
				return fmt.Errorf("run %s: %w", ev.ID, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"run":    run,
				"result": result,
			})
		},
	}

	cmd.Flags().StringVar(&f.id, "id", "", "run id; reuse to resume a run")
	cmd.Flags().StringVarP(&f.prompt, "prompt", "p", "", "what to build")
	cmd.Flags().StringVar(&f.projectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.userID, "user", "", "user id")
	cmd.Flags().StringVar(&f.token, "token", "", "data-space token for the sandbox")
	cmd.Flags().StringVar(&f.source, "source", "", "path to a JSON data-space source")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func (f *runFlags) event() (*models.TriggerEvent, error) {
	ev := &models.TriggerEvent{
		ID:        f.id,
		Prompt:    f.prompt,
		ProjectID: f.projectID,
		UserID:    f.userID,
		Token:     f.token,
	}
	if f.source == "" {
		return ev, nil
	}

	data, err := os.ReadFile(f.source)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	var src models.HiveSource
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	if src.ID == "" {
		return nil, errors.New("source id is required")
	}
	ev.Source = &src
	return ev, nil
}
