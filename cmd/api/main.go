package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urmzd/homai/pkg/api"
	"github.com/urmzd/homai/pkg/db"
	"github.com/urmzd/homai/pkg/device"
	"github.com/urmzd/homai/pkg/device/schema"
	"github.com/urmzd/homai/pkg/zigbee"

	_ "github.com/urmzd/homai/docs"
)

// @title           Homai API
// @version         1.0
// @description     REST API for controlling smart home devices

// @host      localhost:8080
// @BasePath  /api/v1
// @schemes   http https

func main() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Parse flags. -port left empty by default so the persisted serial
	// config (if any) is preferred; passing -port explicitly overrides it
	// and the new value is saved back for next run.
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

	// Load configuration
	cfg, err := database.ActiveConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("profile", cfg.Profile.Name).
		Str("timezone", cfg.Timezone()).
		Str("api_address", cfg.APIAddress()).
		Msg("Configuration loaded")

	// Resolve which serial port to dial: an explicit -port flag wins and is
	// persisted for next run; otherwise fall back to the persisted config.
	portPath := *serialPort
	if portPath == "" {
		portPath = cfg.SerialPort()
	} else if portPath != cfg.SerialPort() {
		if err := upsertSerialPort(ctx, database, cfg.Profile.ID, portPath); err != nil {
			log.Warn().Err(err).Msg("Failed to persist serial port selection")
		}
	}

	// Try to connect to the Zigbee dongle; fall back to NullController
	var controller device.Controller
	var eventSubscriber device.EventSubscriber

	zbController, err := zigbee.NewController(portPath, log.Logger)
	if err != nil {
		log.Warn().Err(err).Str("port", portPath).Msg("Zigbee controller unavailable, using null controller")
		controller = device.NewNullController()
		eventSubscriber = device.NewNullEventSubscriber()
	} else {
		controller = zbController
		eventSubscriber = zbController
		restoreGPPairings(ctx, database, zbController, log.Logger)
	}

	validator := schema.NewValidator()

	// Create and start API router
	router := api.NewRouter(controller, eventSubscriber, validator, database.GPSinkEntries())

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down...")
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
		os.Exit(0)
	}()

	// Start server
	addr := cfg.APIAddress()
	log.Info().Str("address", addr).Msg("Starting API server")

	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// upsertSerialPort persists the serial port selection for profileID,
// creating the row on first use.
func upsertSerialPort(ctx context.Context, database *db.DB, profileID int64, port string) error {
	store := database.SerialConfigs()
	existing, err := store.Get(ctx, profileID)
	if err == db.ErrSerialConfigNotFound {
		return store.Create(ctx, &db.SerialConfig{ProfileID: profileID, Port: port})
	}
	if err != nil {
		return err
	}
	existing.Port = port
	return store.Update(ctx, existing)
}

// restoreGPPairings replays every persisted Green Power sink-table entry
// against a freshly connected NCP, so device keys and proxy-table pairings
// set up before a restart keep working without operator intervention.
func restoreGPPairings(ctx context.Context, database *db.DB, controller *zigbee.Controller, logger zerolog.Logger) {
	entries, err := database.GPSinkEntries().List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load persisted Green Power pairings")
		return
	}
	for _, e := range entries {
		if err := controller.PairGPD(e.SourceID, e.DeviceKey, e.PairingParams); err != nil {
			logger.Warn().Err(err).Uint32("sourceId", e.SourceID).Msg("Failed to restore Green Power pairing")
		}
	}
}
