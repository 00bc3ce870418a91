package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/meetcapture/internal/server"
	"github.com/audiolibrelab/meetcapture/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the MeetCapture HTTP server to control recording from another device
on the same network. Recording, progress, metrics and recordings are exposed
as JSON endpoints.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Address
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(service.New(cfg, cfgFile, nil), cfgFile, addr)
		slog.Info("MeetCapture web server starting", "addr", addr, "config", cfgFile, "profile", cfg.Profile)

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.address)")
}
