package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"securechat/pkg/config"
	"securechat/pkg/relay"
)

var version = "1.0.0"

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		envFile   string
		port      string
		staticDir string
		logLevel  string
		maxFrame  int64
	)

	cmd := &cobra.Command{
		Use:     "securechat-server",
		Short:   "Relay for end-to-end encrypted chat rooms",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(envFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("static") {
				cfg.StaticDir = staticDir
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("max-frame-bytes") {
				cfg.MaxFrameBytes = maxFrame
			}

			log, err := config.NewLogger(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}

			srv := relay.NewServer(relay.Config{
				Addr:          cfg.Addr(),
				StaticDir:     cfg.StaticDir,
				MaxFrameBytes: cfg.MaxFrameBytes,
				Logger:        log,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file")
	cmd.Flags().StringVar(&port, "port", config.DefaultPort, "listen port")
	cmd.Flags().StringVar(&staticDir, "static", "", "directory with browser client assets")
	cmd.Flags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().Int64Var(&maxFrame, "max-frame-bytes", relay.DefaultMaxFrameBytes, "largest accepted frame")
	return cmd
}
