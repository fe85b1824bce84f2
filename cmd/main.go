package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vesselrelay/src/config"
	"vesselrelay/src/events"
	"vesselrelay/src/identity"
	"vesselrelay/src/logging"
	"vesselrelay/src/producers"
	"vesselrelay/src/servicemanager"
	"vesselrelay/src/state"
	"vesselrelay/src/statemanager"
	clientsync "vesselrelay/src/sync"
	"vesselrelay/src/transport/direct"
	"vesselrelay/src/transport/hub"
)

const (
	startupReadyTimeout = 10 * time.Second
	shutdownBudget      = 5 * time.Second
)

func main() {
	// Load .env file if it exists (non-fatal if missing).
	_ = godotenv.Load()
	logging.Configure()

	cfg, err := config.Load()
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to load configuration")
	}

	cred, err := identity.Load(cfg.KeyDir, cfg.BoatID)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to load boat identity")
	}

	store := state.NewStateStore()
	manager := statemanager.New(store)

	position := producers.NewPosition(30 * time.Second)
	httpClient := &http.Client{Timeout: 10 * time.Second}
	weather := producers.NewWeather(httpClient, "https://api.open-meteo.com/v1/forecast", cfg.WeatherIntervalMS, position)
	tidal := producers.NewTidal(httpClient, "https://api.tidesandcurrents.noaa.gov/api/prod/datagetter", cfg.TidalIntervalMS, position)
	bluetooth := producers.NewBluetooth(producers.NewParserRegistry())
	modbus := producers.NewModbus()
	playback := producers.NewPlayback(nil, 1)
	manager.SetBluetoothController(bluetooth)

	allProducers := []events.Producer{position, weather, tidal, bluetooth, modbus, playback}
	for _, p := range allProducers {
		manager.ListenToService(p)
	}

	coordinator := clientsync.New(store, manager,
		map[string]time.Duration{
			"navigation": cfg.SignalKRefreshMS,
			"weather":    cfg.DefaultThrottleMS,
			"tide":       cfg.DefaultThrottleMS,
			"systems":    cfg.DefaultThrottleMS,
			"bluetooth":  cfg.DefaultThrottleMS,
		},
		cfg.DefaultThrottleMS,
	)

	endpoint := direct.NewEndpoint(coordinator, cfg.MaxPayloadBytes)
	connector := hub.NewConnector(cfg.HubURL, cred, coordinator,
		cfg.ReconnectIntervalMS, cfg.MaxReconnectAttempts, cfg.ConnectionTimeoutMS, cfg.PingIntervalMS,
		cfg.InsecureLegacyIdentity)

	svcs := servicemanager.New()
	for _, p := range allProducers {
		svcs.Register(p.Name(), p, servicemanager.CategoryProducer)
	}
	svcs.Register("hub-connector", connector, servicemanager.CategoryTransport)

	ctx, cancelProducers := context.WithCancel(context.Background())
	defer cancelProducers()

	if err := svcs.StartAll(ctx, startupReadyTimeout); err != nil {
		logging.Log.WithError(err).Fatal("failed to start services")
	}

	httpServer := &http.Server{
		Addr:              cfg.DirectHost + ":" + cfg.DirectPort,
		Handler:           endpoint.Router(cfg.BehindProxy),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.Log.WithField("addr", httpServer.Addr).Info("direct endpoint listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.WithError(err).Fatal("direct endpoint error")
		}
	}()

	waitForShutdown(cancelProducers, httpServer, svcs, coordinator)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then runs the ordered
// cascade: stop accepting HTTP connections, close transports, stop
// producers, drain the state store, release resources (spec §5).
func waitForShutdown(cancelProducers context.CancelFunc, httpServer *http.Server, svcs *servicemanager.Manager, coordinator *clientsync.ClientSyncCoordinator) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logging.Log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	_ = httpServer.Shutdown(ctx)

	svcs.Shutdown(shutdownBudget, func() {
		coordinator.Shutdown()
	})
	cancelProducers()
}
