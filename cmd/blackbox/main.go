// Command blackbox runs the voice assistant orchestration core: it loads
// configuration, wires the transport, thermal monitor, store, function
// registry, and pipeline coordinator together, and serves the HTTP front
// end until signaled to shut down.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RentaProfessor/blackbox-core/internal/config"
	"github.com/RentaProfessor/blackbox-core/internal/httpapi"
	"github.com/RentaProfessor/blackbox-core/internal/pipeline"
	"github.com/RentaProfessor/blackbox-core/internal/registry"
	"github.com/RentaProfessor/blackbox-core/internal/store"
	"github.com/RentaProfessor/blackbox-core/internal/thermal"
	"github.com/RentaProfessor/blackbox-core/internal/tracing"
	"github.com/RentaProfessor/blackbox-core/internal/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("BLACKBOX_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	}

	shutdownTracing, err := tracing.Setup(cfg.TracingEnabled, os.Stdout)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath, store.Argon2Params{
		TimeCost:    cfg.Argon2Time,
		MemoryKiB:   cfg.Argon2MemoryKiB,
		Parallelism: cfg.Argon2Parallel,
	}, cfg.DatabaseEncryptionKey)
	if err != nil {
		return err
	}

	mon := thermal.New(thermal.Config{
		ZoneRoot:     cfg.ThermalZoneRoot,
		Warn:         cfg.ThermalWarn,
		Critical:     cfg.ThermalCritical,
		Cooldown:     cfg.ThermalCooldown,
		PollInterval: cfg.ThermalPoll,
	})
	mon.RegisterCallback(thermal.Critical, func(state thermal.State, temps map[string]float64) {
		slog.Warn("thermal state critical", "temperatures", temps)
	})
	mon.Start()

	tr := transport.New(transport.Config{
		Dir:          cfg.ShmDir,
		Prefix:       cfg.ShmPrefix,
		PollInterval: cfg.TransportPoll,
	})
	if err := tr.Initialize(); err != nil {
		return err
	}

	reg := registry.New()
	pipeline.RegisterHandlers(reg, st)

	coordinator := pipeline.New(pipeline.Config{
		Transport: tr,
		Store:     st,
		Thermal:   mon,
		Registry:  reg,
		Deadlines: pipeline.Deadlines{
			Total: cfg.TotalDeadline,
			ASR:   cfg.ASRDeadline,
			LLM:   cfg.LLMDeadline,
			TTS:   cfg.TTSDeadline,
		},
		ContextLimit: cfg.ContextLimit,
	})

	server := httpapi.New(coordinator, tr, mon, cfg.DefaultUser)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	tr.Shutdown()
	mon.Stop()
	if err := st.Close(); err != nil {
		slog.Warn("store close error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown error", "error", err)
	}

	return nil
}
