package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dana/pump/api"
	"dana/pump/config"
	"dana/pump/driver"
	"dana/pump/notify"
	"dana/pump/simulator"
	"dana/pump/store"
	"dana/pump/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var configPath = flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	var cfg = config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load config")
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bus = notify.NewBus(64)
	var pump = driver.NewPump()

	if cfg.Store.Path != "" {
		db, err := openStore(ctx, cfg, pump)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open store")
		}
		defer db.Close()

		events, unsub := bus.Subscribe()
		defer unsub()
		go store.Persist(ctx, db, cfg.Pump.Name, pump, events)
	}

	if cfg.NATS.URL != "" {
		nc, err := notify.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()

		events, unsub := bus.Subscribe()
		defer unsub()
		go notify.NewNATSPublisher(nc, cfg.NATS.Subject).Run(ctx, events)
	}

	opener, err := openerFor(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up transport")
	}
	var d = driver.New(driverOptions(cfg), opener, pump, bus)

	var srv = &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: api.NewRouter(d, bus.Subscribe, api.Options{StaticDir: cfg.HTTP.StaticDir}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	log.Info().
		Str("device", cfg.Pump.Name).
		Str("transport", cfg.Pump.Transport).
		Str("listen", cfg.HTTP.Listen).
		Msg("Pump driver started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	d.Disconnect("shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
}

// openStore opens the snapshot database and restores the last saved state
// into pump.
func openStore(ctx context.Context, cfg *config.Config, pump *driver.Pump) (*store.DB, error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	state, err := db.LoadSnapshot(ctx, cfg.Pump.Name)
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		log.Info().Str("device", cfg.Pump.Name).Msg("No saved pump state, starting fresh")
	case err != nil:
		db.Close()
		return nil, err
	default:
		pump.Restore(state)
		log.Info().Str("device", cfg.Pump.Name).Time("last_connection", state.LastConnection).Msg("Restored pump state")
	}
	return db, nil
}

func driverOptions(cfg *config.Config) driver.Options {
	var opts = driver.DefaultOptions()
	opts.DeviceName = cfg.Pump.Name
	opts.Password = cfg.Pump.Password
	opts.Encrypted = cfg.Pump.Encrypted
	opts.BolusSpeed = cfg.Pump.BolusSpeed
	opts.DailyLimitWarning = cfg.Pump.DailyLimitWarning
	opts.ReplyTimeout = cfg.Timing.ReplyTimeout
	opts.PollInterval = cfg.Timing.PollInterval
	opts.SettleDelay = cfg.Timing.SettleDelay
	opts.BolusWatchdog = cfg.Timing.BolusWatchdog
	opts.SettingsMaxAge = cfg.Timing.SettingsMaxAge
	opts.MaxTimeSkew = cfg.Timing.MaxTimeSkew
	opts.MaxDecodeErrors = cfg.Timing.MaxDecodeErrors
	return opts
}

func openerFor(cfg *config.Config) (transport.Opener, error) {
	switch cfg.Pump.Transport {
	case "serial":
		return transport.SerialOpener{Port: cfg.Pump.SerialPort, BaudRate: cfg.Pump.BaudRate}, nil
	case "ble":
		return transport.NewBLEOpener(cfg.Timing.ScanTimeout, cfg.Timing.ChunkInterval), nil
	case "sim":
		return simulator.New(simulator.Options{
			Name:      cfg.Pump.Name,
			Password:  max(cfg.Pump.Password, 0),
			Encrypted: cfg.Pump.Encrypted,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Pump.Transport)
}
