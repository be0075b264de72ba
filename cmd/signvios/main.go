package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krishvios/signvios/internal/api"
	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/config"
	"github.com/krishvios/signvios/internal/core"
	"github.com/krishvios/signvios/internal/database"
	"github.com/krishvios/signvios/internal/dialplan"
	"github.com/krishvios/signvios/internal/eventloop"
	"github.com/krishvios/signvios/internal/media"
	"github.com/krishvios/signvios/internal/metrics"
	"github.com/krishvios/signvios/internal/services"
	sipclient "github.com/krishvios/signvios/internal/sip"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting signvios",
		"api_port", cfg.APIPort,
		"sip_server", cfg.SIPServer,
		"data_dir", cfg.DataDir,
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	accounts := database.NewAccountRepository(db)
	history := database.NewCallHistoryRepository(db)
	properties := database.NewPropertyRepository(db)
	ringGroups := database.NewRingGroupRepository(db)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	loop := eventloop.New(logger)
	loop.Start()
	defer loop.Stop()

	// The channels are built before the core exists, so they deliver into
	// an indirection that is bound once the core is up.
	var sink func(services.Event)
	deliver := func(ev services.Event) {
		if sink != nil {
			sink(ev)
		}
	}
	channels := buildChannels(cfg, deliver, logger)
	defer func() {
		for _, ch := range channels {
			if c, ok := ch.(*services.HTTPChannel); ok {
				c.Close()
			}
		}
	}()

	sipCl, err := sipclient.NewClient(sipclient.Options{
		Server:    cfg.SIPServer,
		Port:      cfg.SIPPort,
		Username:  cfg.ServiceUsername,
		Password:  cfg.ServicePassword,
		OwnNumber: ownNumber(accounts),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating sip client: %w", err)
	}
	defer sipCl.Close()

	storage := call.NewStorage(logger)
	manager := call.NewManager(storage, sipCl, cfg.MaxCalls, logger)
	manager.DispatchSet(func(fn func()) { loop.Post(fn) })
	sipCl.AttachManager(manager)

	rules := dialplan.DefaultRules()
	rules.AreaCode = cfg.AreaCode
	validator := dialplan.NewValidator(rules)

	mediaDir := filepath.Join(cfg.DataDir, "media")
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		return fmt.Errorf("creating media dir: %w", err)
	}
	player := media.NewPlayer(&headlessRenderer{logger: logger}, mediaDir, logger)
	defer player.Close()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	c := core.New(core.Deps{
		Loop:       loop,
		Channels:   channels,
		Conference: manager,
		Validator:  validator,
		Player:     player,
		Properties: properties,
		RingGroups: ringGroups,
		History:    history,
		Accounts:   accounts,
		Metrics:    m,
		Logger:     logger,
	})
	sink = c.ServiceSink()

	registry.MustRegister(metrics.NewCollector(storage, c.Correlator(), history, time.Now()))

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := c.Start(appCtx); err != nil {
		return fmt.Errorf("starting core: %w", err)
	}

	handler := api.NewServer(api.Deps{
		Controller: c,
		Config:     cfg,
		Accounts:   accounts,
		History:    history,
		RingGroups: ringGroups,
		Properties: properties,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		JWTSecret:  jwtSecret,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("api server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	logger.Info("signvios stopped")
	return nil
}

// buildChannels creates one backend channel per service the core talks to.
func buildChannels(cfg *config.Config, sink func(services.Event), logger *slog.Logger) map[services.Kind]services.Channel {
	mk := func(kind services.Kind, baseURL string) services.Channel {
		return services.NewHTTPChannel(services.HTTPConfig{
			Kind:              kind,
			BaseURL:           baseURL,
			Username:          cfg.ServiceUsername,
			Password:          cfg.ServicePassword,
			RequestsPerSecond: float64(cfg.ServiceRateLimit),
			Burst:             cfg.ServiceRateLimit * 2,
		}, sink, logger)
	}
	return map[services.Kind]services.Channel{
		services.KindCore:        mk(services.KindCore, cfg.CoreServiceURL),
		services.KindStateNotify: mk(services.KindStateNotify, cfg.StateNotifyURL),
		services.KindMessage:     mk(services.KindMessage, cfg.MessageServiceURL),
		services.KindConference:  mk(services.KindConference, cfg.ConferenceServiceURL),
	}
}

// ownNumber loads the provisioned account's number, or empty before
// provisioning.
func ownNumber(accounts database.AccountRepository) string {
	acct, err := accounts.Get(context.Background())
	if err != nil || acct == nil {
		return ""
	}
	return acct.PhoneNumber
}

// headlessRenderer stands in when no platform AV backend is linked. Playback
// completes immediately and capture produces an empty file, so the
// leave-message workflow still runs end to end.
type headlessRenderer struct {
	logger *slog.Logger
}

func (r *headlessRenderer) PlayFile(path string, done func(err error)) error {
	r.logger.Debug("headless renderer: skipping playback", "path", path)
	go done(nil)
	return nil
}

func (r *headlessRenderer) StopPlayback() {}

func (r *headlessRenderer) StartCapture(dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	return f.Close()
}

func (r *headlessRenderer) StopCapture() error { return nil }
