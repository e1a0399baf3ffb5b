package cmd

import (
	"log"
	"log/slog"

	"github.com/spf13/cobra"

	"bundlenudge.sh/internal/config"
	"bundlenudge.sh/internal/server"
)

func runServer(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(log.Writer(), nil)))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	s, err := server.New(cfg)
	if err != nil {
		return err
	}

	slog.Info("starting bundlenudge server",
		"port", cfg.Server.Port,
		"driver", cfg.Database.Driver,
		"rate_limit_enabled", cfg.RateLimit.Enabled)

	return s.Run()
}
