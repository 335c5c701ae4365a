package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/internal/config"
	"github.com/caffeineduck/sandpit/internal/logging"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the persisted rate limit session id",
		Long: `Executions are rate limited per session. The CLI keeps its session id
in a file (SANDPIT_RATELIMIT_SESSION_FILE, default under the user cache
directory) so the quota carries across runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiterSession(cmd, false)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the session id with a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimiterSession(cmd, true)
		},
	})
	return cmd
}

func withLimiterSession(cmd *cobra.Command, rotate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewOrNop(logging.Config{Level: "warn"})
	defer func() { _ = logger.Sync() }()

	limiter, err := newLimiter(cfg, logger)
	if err != nil {
		return err
	}
	defer limiter.Close()

	id := limiter.GetOrCreateSessionID()
	if rotate {
		id, err = limiter.RotateSessionID()
		if err != nil {
			return fmt.Errorf("rotate session: %w", err)
		}
		logger.Info("session rotated", zap.String("session", id))
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
