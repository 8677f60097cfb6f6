package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maloquacious/crimestore/internal/repository"
	"github.com/maloquacious/crimestore/internal/server"
)

var (
	port       int
	adminPort  int
	shutdownTO time.Duration
	exitAfter  time.Duration
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the crimestore server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "public HTTP port (overrides server.port)")
	serveCmd.Flags().IntVar(&adminPort, "admin-port", 0, "admin HTTP port, JSON and loopback only (overrides server.admin_port)")
	serveCmd.Flags().DurationVar(&shutdownTO, "shutdown-timeout", 0, "graceful shutdown timeout (overrides server.shutdown_timeout)")
	serveCmd.Flags().DurationVar(&exitAfter, "exit-after", 0, "optional runtime; if set, server exits after this duration (testing)")
	return serveCmd
}

// runServe starts the HTTP servers, opens the repository and serves until
// interrupted. /ready reports not ready until the repository is open.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if adminPort != 0 {
		cfg.Server.AdminPort = adminPort
	}
	if shutdownTO != 0 {
		cfg.Server.ShutdownTimeout = shutdownTO
	}

	ctx := cmd.Context()

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		AdminPort:       cfg.Server.AdminPort,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         version.String(),
		Logger:          log,
	})
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	if err := repository.Initialize(ctx, cfg, repository.WithLogger(log)); err != nil {
		srv.Shutdown()
		<-runErr
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer func() {
		if err := repository.Shutdown(); err != nil {
			log.Error("repository shutdown: %v", err)
		}
	}()
	srv.SetRepository(repository.MustGet())
	log.Info("crimestore %s ready, store %s", version.String(), cfg.Store.Path)

	// Optional run timer
	if exitAfter > 0 {
		log.Info("exit-after timer set: %s", exitAfter)
		timer := time.AfterFunc(exitAfter, srv.Shutdown)
		defer timer.Stop()
	}

	if err := <-runErr; err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
