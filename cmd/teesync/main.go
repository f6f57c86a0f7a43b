// Package main provides the entrypoint for the teesync daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/api"
	"github.com/teesync/teesync/internal/calendar"
	"github.com/teesync/teesync/internal/calendar/ics"
	"github.com/teesync/teesync/internal/config"
	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/internal/crm/fairway"
	"github.com/teesync/teesync/internal/crm/teemaster"
	"github.com/teesync/teesync/internal/erragg"
	"github.com/teesync/teesync/internal/provider/resilience"
	"github.com/teesync/teesync/internal/ratelimit"
	"github.com/teesync/teesync/internal/scheduler"
	"github.com/teesync/teesync/internal/telemetry"
	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/cache"
	"github.com/teesync/teesync/internal/weather/forecast"
	"github.com/teesync/teesync/internal/weather/meteocat"
	"github.com/teesync/teesync/internal/weather/metno"
	"github.com/teesync/teesync/internal/weather/openmeteo"
	"github.com/teesync/teesync/pkg/geo"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "teesync"

	configPath := flag.String("config", "teesync.yaml", "path to the configuration file")
	flag.Parse()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Str("config", *configPath).
		Msg("starting teesync")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	store, err := cache.Open(cfg.CachePath, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CachePath).Msg("failed to open cache store")
	}
	defer store.Close()
	log.Info().Str("path", cfg.CachePath).Msg("cache store opened")

	aggregator := erragg.New(erragg.Config{Logger: log})
	limiter := ratelimit.New()
	clients := resilience.NewRegistry()

	weatherRegistry := buildWeatherRegistry(cfg, limiter, store, clients, log)
	forecastService := forecast.NewService(forecast.ServiceConfig{
		Registry: weatherRegistry,
		Selector: weather.NewSelector(weatherRegistry),
		Store:    store,
		Logger:   log,
		Reporter: aggregator,
	})

	adapters := buildAdapterRegistry(clients, log)
	reservations := crm.NewService(crm.ServiceConfig{
		Adapters:         adapters,
		Weather:          forecastService,
		Logger:           log,
		Reporter:         aggregator,
		MembershipFanOut: cfg.MembershipFanOut(),
		WeatherFanOut:    cfg.WeatherFanOut(),
	})

	pipeline := calendar.NewPipeline(calendar.PipelineConfig{
		Logger:       log,
		TravelBuffer: cfg.TravelBuffer(),
	})
	emitter := ics.NewEmitter(ics.EmitterConfig{
		CalendarName: "TeeSync",
		AlarmLead:    cfg.ReminderLead(),
	})

	tasks, err := buildTasks(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid user configuration")
	}

	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		Tasks:      tasks,
		Collector:  reservations,
		Builder:    pipeline,
		Emitter:    emitter,
		Weather:    forecastService,
		Logger:     log,
		Interval:   cfg.SyncInterval(),
		RunTimeout: cfg.RunTimeout(),
	})

	router := api.NewRouter(api.RouterConfig{
		Version:   Version,
		Logger:    log,
		Providers: clients,
		Store:     store,
		Errors:    aggregator,
	})
	server := &http.Server{
		Addr:         cfg.OpsListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ops server error")
		}
	}()

	log.Info().
		Int("users", len(tasks)).
		Dur("interval", cfg.SyncInterval()).
		Msg("sync loop starting")

	if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("sync loop stopped")
	}

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server forced to shutdown")
	}

	log.Info().Msg("stopped")
}

// buildWeatherRegistry registers the enabled forecast providers in priority
// order: regional coverage first, world coverage last. Each provider's rate
// policy is armed on the shared limiter, config overriding the manifest.
func buildWeatherRegistry(cfg *config.AppConfig, limiter *ratelimit.Limiter, store *cache.Store, clients *resilience.Registry, log zerolog.Logger) *weather.Registry {
	registry := weather.NewRegistry()

	weatherClient := func(id string, pc config.ProviderConfig) *resilience.Client {
		clientCfg := resilience.ClientConfig{Name: id, MaxRetries: 1}
		if pc.TimeoutS > 0 {
			clientCfg.ReadTimeout = time.Duration(pc.TimeoutS) * time.Second
		}
		c := resilience.NewClient(clientCfg)
		clients.Register(id, c)
		return c
	}

	if pc := cfg.Provider(metno.ProviderID); pc.IsEnabled() {
		registry.Register(metno.New(metno.ClientConfig{
			BaseURL:    pc.BaseURL,
			UserAgent:  pc.UserAgent,
			HTTPClient: weatherClient(metno.ProviderID, pc),
			Limiter:    limiter,
			Logger:     log,
		}))
	}

	if pc := cfg.Provider(meteocat.ProviderID); pc.IsEnabled() {
		if pc.APIKey == "" {
			log.Warn().Str("provider", meteocat.ProviderID).Msg("provider enabled but no api key configured, skipping")
		} else {
			registry.Register(meteocat.New(meteocat.ClientConfig{
				APIKey:     pc.APIKey,
				BaseURL:    pc.BaseURL,
				HTTPClient: weatherClient(meteocat.ProviderID, pc),
				Limiter:    limiter,
				Locations:  store,
				Logger:     log,
			}))
		}
	}

	if pc := cfg.Provider(openmeteo.ProviderID); pc.IsEnabled() {
		registry.Register(openmeteo.New(openmeteo.ClientConfig{
			APIKey:     pc.APIKey,
			BaseURL:    pc.BaseURL,
			HTTPClient: weatherClient(openmeteo.ProviderID, pc),
			Limiter:    limiter,
			Logger:     log,
			TTLShort:   pc.TTLShort(0),
			TTLMedium:  pc.TTLMedium(0),
			TTLLong:    pc.TTLLong(0),
		}))
	}

	for _, id := range registry.IDs() {
		p, err := registry.Get(id)
		if err != nil {
			continue
		}
		limiter.SetPolicy(id, ratePolicy(p.Manifest().Rate, cfg.Provider(id)))
	}
	return registry
}

// ratePolicy converts a manifest rate policy to the limiter's, with config
// taking precedence.
func ratePolicy(m weather.RatePolicy, pc config.ProviderConfig) ratelimit.Policy {
	if pc.Rate.MinIntervalS > 0 {
		return ratelimit.Policy{MinInterval: time.Duration(pc.Rate.MinIntervalS) * time.Second}
	}
	if pw := pc.Rate.PerWindow; pw != nil {
		return ratelimit.Policy{PerWindowN: pw.N, PerWindow: time.Duration(pw.WindowS) * time.Second}
	}
	policy := ratelimit.Policy{MinInterval: m.MinInterval}
	if m.PerWindow != nil {
		policy.PerWindowN = m.PerWindow.N
		policy.PerWindow = m.PerWindow.Window
	}
	return policy
}

// buildAdapterRegistry registers every tee-sheet backend. Clubs pick theirs
// by name in config.
func buildAdapterRegistry(clients *resilience.Registry, log zerolog.Logger) *crm.Registry {
	registry := crm.NewRegistry()

	teemasterClient := resilience.NewClient(resilience.DefaultClientConfig(teemaster.BackendName))
	clients.Register(teemaster.BackendName, teemasterClient)
	registry.Register(teemaster.New(teemaster.ClientConfig{
		HTTPClient: teemasterClient,
		Logger:     log,
	}))

	fairwayClient := resilience.NewClient(resilience.DefaultClientConfig(fairway.BackendName))
	clients.Register(fairway.BackendName, fairwayClient)
	registry.Register(fairway.New(fairway.ClientConfig{
		HTTPClient: fairwayClient,
		Logger:     log,
	}))

	return registry
}

// buildTasks converts configured users into scheduler tasks.
func buildTasks(cfg *config.AppConfig) ([]scheduler.UserTask, error) {
	tasks := make([]scheduler.UserTask, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		memberships := make([]crm.Membership, 0, len(u.Memberships))
		for _, m := range u.Memberships {
			clubCfg, ok := cfg.ClubByID(m.ClubID)
			if !ok {
				// Validate catches this; belt and braces.
				continue
			}
			club, err := clubCfg.Club()
			if err != nil {
				return nil, err
			}
			memberships = append(memberships, crm.Membership{
				UserID:      u.ID,
				Club:        club,
				Credentials: m.Auth.Credentials(),
			})
		}

		external := make([]calendar.ExternalEvent, 0, len(u.ExternalEvents))
		for _, x := range u.ExternalEvents {
			event := calendar.ExternalEvent{
				UID:      x.UID,
				Title:    x.Title,
				Category: x.Category,
				StartUTC: x.Start.UTC(),
				EndUTC:   x.End.UTC(),
				LocalTZ:  cfg.TimezoneDefault,
				Priority: parsePriority(x.Priority),
			}
			if x.Lat != nil && x.Lon != nil {
				loc, err := geo.NewLocation(*x.Lat, *x.Lon)
				if err != nil {
					return nil, err
				}
				event.Location = &loc
			}
			external = append(external, event)
		}

		file := u.CalendarFile
		if file == "" {
			file = u.ID + ".ics"
		}
		tasks = append(tasks, scheduler.UserTask{
			UserID:      u.ID,
			Memberships: memberships,
			External:    external,
			OutputPath:  filepath.Join(cfg.OutputDir, file),
		})
	}
	return tasks, nil
}

// parsePriority maps the config value; Validate has already rejected unknown
// names.
func parsePriority(s string) calendar.Priority {
	switch s {
	case "critical":
		return calendar.PriorityCritical
	case "high":
		return calendar.PriorityHigh
	case "low":
		return calendar.PriorityLow
	default:
		return calendar.PriorityNormal
	}
}
