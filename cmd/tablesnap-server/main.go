package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/infra/buildinfo"
	"github.com/yndnr/tablesnap-go/internal/infra/confloader"
	"github.com/yndnr/tablesnap-go/internal/infra/shutdown"
	"github.com/yndnr/tablesnap-go/internal/infra/tlsroots"
	"github.com/yndnr/tablesnap-go/internal/server/config"
	"github.com/yndnr/tablesnap-go/internal/server/httpserver"
	"github.com/yndnr/tablesnap-go/internal/server/worldsim"
	"github.com/yndnr/tablesnap-go/internal/storage"
	"github.com/yndnr/tablesnap-go/internal/telemetry/logger"
	"github.com/yndnr/tablesnap-go/internal/telemetry/metric"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "tablesnap-server",
		Usage:   "Entity table server with incremental snapshots",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Dotenv files loaded before the environment (missing files are skipped)",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{Name: "data-dir", Usage: "Override storage.data_dir"},
			&cli.StringFlag{Name: "http-addr", Usage: "Override server.http.addr"},
			&cli.StringFlag{Name: "log-level", Usage: "Override log.level"},
			&cli.BoolFlag{Name: "sim", Usage: "Enable the world simulator"},
		},
		Action: run,
	}
}

// overrides maps explicitly set flags onto configuration keys.
func overrides(c *cli.Context) map[string]any {
	values := map[string]any{}
	for flag, key := range map[string]string{
		"data-dir":  "storage.data_dir",
		"http-addr": "server.http.addr",
		"log-level": "log.level",
	} {
		if c.IsSet(flag) {
			values[key] = c.String(flag)
		}
	}
	if c.IsSet("sim") {
		values["sim.enabled"] = c.Bool("sim")
	}
	return values
}

func run(c *cli.Context) error {
	ctx := c.Context

	loader := confloader.NewLoader(
		confloader.WithConfigFile(c.String("config")),
		confloader.WithDotEnv(c.StringSlice("env-file")...),
		confloader.WithOverrides(overrides(c)),
	)
	cfg, err := loadConfig(loader)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	log.Info("starting tablesnap-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Get().Commit,
		"config", loader.FilePath())
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	metrics := metric.NewRegistry()
	engine, err := initStorage(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}

	if cfg.Sim.Enabled {
		if err := initSimulator(cfg, engine, log); err != nil {
			engine.Close()
			return err
		}
	}

	if err := engine.Start(); err != nil {
		engine.Close()
		return fmt.Errorf("start storage: %w", err)
	}

	reload := func(context.Context) error {
		return applyReload(loader, engine, log)
	}

	catalog, _ := engine.Sink().(storage.Catalog)
	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Saver:          engine,
		Catalog:        catalog,
		Reload:         reload,
		Metrics:        metrics.Handler(),
		Logger:         log.With("component", "http"),
		AdminToken:     cfg.Server.HTTP.AdminToken,
		AdminAllowList: cfg.Server.HTTP.AdminAllowList,
		RateLimit:      cfg.Server.HTTP.RateLimit,
		RateBurst:      cfg.Server.HTTP.RateBurst,
		AccessLog:      cfg.Server.HTTP.AccessLog,
	})

	sh := shutdown.NewHandler(shutdownTimeout, log)

	// Hooks run in reverse order: HTTP first, storage last.
	sh.OnShutdown("storage", func(context.Context) error {
		log.Info("shutting down storage engine")
		return engine.Close()
	})

	var srvOpts []httpserver.ServerOption
	if cfg.Server.HTTP.TLSCertFile != "" {
		certs, err := tlsroots.NewReloader(cfg.Server.HTTP.TLSCertFile, cfg.Server.HTTP.TLSKeyFile, log)
		if err != nil {
			engine.Close()
			return fmt.Errorf("load tls certificate: %w", err)
		}
		sh.OnShutdown("tls", func(context.Context) error { return certs.Close() })
		srvOpts = append(srvOpts, httpserver.WithTLSConfig(certs.ServerConfig()))
	}
	httpServer := httpserver.New(cfg.Server.HTTP.Addr, router, srvOpts...)

	if path := loader.FilePath(); path != "" {
		w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
		if err != nil {
			engine.Close()
			return fmt.Errorf("create config watcher: %w", err)
		}
		if err := w.Watch(path); err != nil {
			w.Stop()
			engine.Close()
			return fmt.Errorf("watch config: %w", err)
		}
		w.OnChange(func(string) {
			if err := reload(ctx); err != nil {
				log.Error("config reload failed", "error", err)
			}
		})
		w.StartAsync()
		sh.OnShutdown("config-watcher", func(context.Context) error { return w.Stop() })
	}

	sh.OnReload(func() {
		if err := reload(ctx); err != nil {
			log.Error("config reload failed", "error", err)
		}
	})

	sh.OnShutdown("http", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return httpServer.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening",
			"addr", cfg.Server.HTTP.Addr,
			"tls", httpServer.TLS())
		if err := httpServer.ListenAndServe(); err != nil {
			log.Error("HTTP server error", "error", err)
			sh.Trigger()
		}
	}()

	log.Info("server started, press Ctrl+C to stop")
	if err := sh.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment.
func loadConfig(loader *confloader.Loader) (*config.ServerConfig, error) {
	cfg := config.Default()
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initStorage creates the engine and recovers the latest snapshot.
func initStorage(ctx context.Context, cfg *config.ServerConfig, log *slog.Logger, metrics *metric.Registry) (*storage.Engine, error) {
	storageCfg, err := config.StorageConfig(cfg, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}

	engine, err := storage.New(storageCfg)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	if err := engine.Recover(ctx); err != nil {
		engine.Close()
		return nil, fmt.Errorf("storage recovery: %w", err)
	}
	return engine, nil
}

func initSimulator(cfg *config.ServerConfig, engine *storage.Engine, log *slog.Logger) error {
	sim, err := worldsim.New(engine.Table(), worldsim.Config{
		Entities: cfg.Sim.Entities,
		Rate:     cfg.Sim.Rate,
		Burst:    cfg.Sim.Burst,
		Seed:     cfg.Sim.Seed,
	}, log.With("component", "worldsim"))
	if err != nil {
		return fmt.Errorf("init simulator: %w", err)
	}
	if err := sim.Populate(); err != nil {
		return err
	}
	engine.Coordinator().AddPreparer(sim)
	engine.AddFrameFunc(sim.Frame)
	return nil
}

// applyReload re-reads every source and applies the settings that can
// change at runtime. Everything else needs a restart.
func applyReload(loader *confloader.Loader, engine *storage.Engine, log *slog.Logger) error {
	next := config.Default()
	if err := loader.Reload(next); err != nil {
		return err
	}
	if err := config.Verify(next); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	verbosity, err := coordinator.ParseVerbosity(next.Save.Logging)
	if err != nil {
		return fmt.Errorf("save.logging: %w", err)
	}
	if err := logger.SetLevel(next.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	engine.SetBatchSize(next.Save.BatchSize)
	engine.SetVerbosity(verbosity)

	log.Info("configuration reloaded",
		"save.batch_size", next.Save.BatchSize,
		"save.logging", verbosity.String(),
		"log.level", next.Log.Level)
	return nil
}
