package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"bitsserver/terminal"
)

func main() {
	logger := logrus.New()

	// Parse command line arguments
	config, shouldExit, err := terminal.ParseFlags(os.Args[1:])
	if err != nil {
		terminal.HandleStartupError(logger, err, "parse command line arguments")
		return
	}

	// Exit if help or version was shown
	if shouldExit {
		return
	}

	// Validate configuration
	if err := terminal.ValidateConfig(config); err != nil {
		terminal.HandleStartupError(logger, err, "validate configuration")
		return
	}

	level, _ := logrus.ParseLevel(config.LogLevel)
	logger.SetLevel(level)

	// Create the server
	server, err := NewBITSServer(config, logger)
	if err != nil {
		terminal.HandleStartupError(logger, err, "create server")
		return
	}

	// Print startup information
	terminal.PrintStartupInfo(config)

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		terminal.HandleStartupError(logger, err, "start server")
	}
}
