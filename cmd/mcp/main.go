package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urmzd/homai/pkg/db"
	"github.com/urmzd/homai/pkg/device"
	"github.com/urmzd/homai/pkg/device/schema"
	homaimcp "github.com/urmzd/homai/pkg/mcp"
	"github.com/urmzd/homai/pkg/zigbee"
)

func main() {
	// Logging must go to stderr — stdout is the MCP transport
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Parse flags
	dbPath := flag.String("db", "", "Path to database file (default: ~/.config/homai/homai.db)")
	serialPort := flag.String("port", "", "Path to Zigbee serial port (overrides the persisted config)")
	flag.Parse()

	ctx := context.Background()

	// Open database
	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	log.Info().Str("path", database.Path()).Msg("Database opened")

	// Run migrations
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Bootstrap if needed (first run)
	needsBootstrap, err := database.NeedsBootstrap(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to check bootstrap status")
	}
	if needsBootstrap {
		log.Info().Msg("First run detected, bootstrapping database...")
		if err := database.Bootstrap(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to bootstrap database")
		}
		log.Info().Msg("Database bootstrapped successfully")
	}

	cfg, err := database.ActiveConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	portPath := *serialPort
	if portPath == "" {
		portPath = cfg.SerialPort()
	}

	// Try to connect to the Zigbee dongle; fall back to NullController so
	// the MCP surface (minus GP-specific tools) still works without one.
	var controller device.Controller
	if zbController, err := zigbee.NewController(portPath, log.Logger); err != nil {
		log.Warn().Err(err).Str("port", portPath).Msg("Zigbee controller unavailable, using null controller")
		controller = device.NewNullController()
	} else {
		controller = zbController
	}

	validator := schema.NewValidator()

	// Create and start MCP server
	mcpServer := homaimcp.NewServer(controller, validator, database.GPSinkEntries())

	log.Info().Msg("Starting MCP server on stdio")

	if err := mcpServer.ServeStdio(); err != nil {
		log.Fatal().Err(err).Msg("MCP server failed")
	}
}
