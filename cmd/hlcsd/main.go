// hlcsd is the HLCS core daemon: the autonomous orchestration layer in
// front of the remote tool server and the local reasoner.
//
// Exit codes: 0 normal, 2 configuration error, 3 required backend
// unreachable at startup with --strict, 130 interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/toolserver"
	"github.com/hlcs/hlcs/pkg/server"
)

const (
	exitOK          = 0
	exitConfig      = 2
	exitBackend     = 3
	exitInterrupted = 130
)

func main() {
	var (
		configPath string
		strict     bool
	)

	root := &cobra.Command{
		Use:           "hlcsd",
		Short:         "HLCS core — hybrid local/cloud orchestration layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HLCS core server",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runServe(configPath, strict))
			return nil
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	serve.Flags().BoolVar(&strict, "strict", false, "fail startup when the tool server is unreachable")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func runServe(configPath string, strict bool) int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Configuration error")
		return exitConfig
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize server")
		return exitConfig
	}

	if strict {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		health := srv.Tools.CheckHealth(checkCtx)
		cancel()
		if health == toolserver.HealthDown {
			log.Error().Msg("Tool server unreachable and --strict is set")
			return exitBackend
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.RequestTimeoutMs)*time.Millisecond + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddress).Msg("HLCS core listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	code := exitOK
	select {
	case sig := <-interrupted:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")
		if sig == syscall.SIGINT {
			code = exitInterrupted
		}
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			code = exitConfig
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	if err := srv.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
	return code
}
