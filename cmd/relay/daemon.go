package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dork-labs/relay/daemon"
	"github.com/dork-labs/relay/internal/conf"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the relay daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := conf.Load()
		if err != nil {
			return err
		}
		log, closeLog, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		d, err := daemon.New(cfg, log)
		if err != nil {
			log.Error().Err(err).Msg("daemon construction failed")
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := d.Run(ctx); err != nil {
			log.Error().Err(err).Msg("daemon exited with error")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
