// Command server runs a session host.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/sessionwire/pkg/logs"
	"github.com/aeolun/sessionwire/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	logger := logs.NewLogger("main")

	home, _ := os.UserHomeDir()
	configPath := flag.String("config", filepath.Join(home, ".sessionwire", "config.toml"), "Path to config file (.toml, .yaml or .yml)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("sessionwire server %s\n", Version)
		return
	}

	fileConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	dbPath, err := fileConfig.GetDatabasePath()
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve database path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		logger.WithError(err).Fatal("Failed to create data directory")
	}

	srv, err := server.NewServer(dbPath, fileConfig.ToServerConfig())
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		logger.WithError(err).Fatal("Failed to start server")
	}
	logger.WithField("config", *configPath).WithField("version", Version).Info("Host running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received signal")
	case <-srv.Done():
		logger.Info("Shutdown requested by an admin")
	}

	if err := srv.Stop(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
