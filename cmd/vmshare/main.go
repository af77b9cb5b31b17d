package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xvpaul/vmshare/cmd/vmshare/api"
	"github.com/xvpaul/vmshare/cmd/vmshare/config"
	"github.com/xvpaul/vmshare/lib/alloc"
	"github.com/xvpaul/vmshare/lib/bridge"
	"github.com/xvpaul/vmshare/lib/external"
	"github.com/xvpaul/vmshare/lib/images"
	"github.com/xvpaul/vmshare/lib/lifecycle"
	"github.com/xvpaul/vmshare/lib/logger"
	"github.com/xvpaul/vmshare/lib/metrics"
	mw "github.com/xvpaul/vmshare/lib/middleware"
	"github.com/xvpaul/vmshare/lib/otel"
	"github.com/xvpaul/vmshare/lib/procreg"
	"github.com/xvpaul/vmshare/lib/profiles"
	"github.com/xvpaul/vmshare/lib/registry"
	"github.com/xvpaul/vmshare/lib/snapshot"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}
	if otelProvider != nil && otelProvider.LogHandler != nil {
		otel.SetGlobalLogHandler(otelProvider.LogHandler)
	}

	logCfg := logger.NewConfig()
	log := logger.NewSubsystemLogger(logger.SubsystemAPI, logCfg, otel.GetGlobalLogHandler())
	ctx := logger.AddToContext(context.Background(), log)

	if cfg.SecretKey == "" {
		log.WarnContext(ctx, "SECRET_KEY not configured - API authentication will fail")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	profileTable, err := profiles.Load(cfg.ProfilesFile)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		return fmt.Errorf("create snapshots dir: %w", err)
	}

	var captcha external.CaptchaVerifier
	if cfg.RecaptchaBypass {
		log.WarnContext(ctx, "RECAPTCHA_BYPASS is set, captcha verification disabled")
		captcha = external.BypassVerifier{}
	} else {
		captcha = external.NewRecaptchaVerifier(cfg.RecaptchaSecret)
	}
	quota := external.NewInMemoryQuotaStore(1024)

	reg := registry.New(rdb)

	var metricsReg *metrics.Metrics
	if otelProvider != nil && otelProvider.Meter != nil {
		metricsReg, err = metrics.New(otelProvider.Meter, otelProvider.TracerFor(logger.SubsystemAPI), reg, cfg.SnapshotsDir, cfg.MetricsLeader)
		if err != nil {
			log.WarnContext(ctx, "failed to register metrics instruments", "error", err)
			metricsReg = nil
		}
	}

	imagesMgr := images.New(cfg.SnapshotsDir)
	allocator := alloc.New(cfg.RunDir)

	bridgeEvents := make(chan bridge.Event, 64)
	bridgeMgr := bridge.NewManager(bridgeEvents)

	procRegistry := procreg.New()

	snapshotMgr := snapshot.New(cfg.SnapshotsDir, quota)
	snapshotMgr.Metrics = metricsReg
	snapshotMgr.BackupDeadline = cfg.BackupJobTimeout

	coordinator := lifecycle.New(profileTable, imagesMgr, allocator, bridgeMgr, reg, procRegistry, cfg.PublicHost)
	coordinator.Metrics = metricsReg

	svc := &api.Service{
		Coordinator: coordinator,
		Snapshots:   snapshotMgr,
		Registry:    reg,
		Captcha:     captcha,
	}

	var httpMetricsMw func(http.Handler) http.Handler
	if otelProvider != nil && otelProvider.Meter != nil {
		if httpMetrics, err := mw.NewHTTPMetrics(otelProvider.Meter); err == nil {
			httpMetricsMw = httpMetrics.Middleware
		}
	}
	var accessLogHandler slog.Handler
	if otelProvider != nil {
		accessLogHandler = otelProvider.LogHandler
	}
	accessLogger := mw.NewAccessLogger(accessLogHandler)

	router := api.NewRouter(svc, api.RouterConfig{
		JWTSecret:       cfg.SecretKey,
		OtelServiceName: cfg.OtelServiceName,
		OtelEnabled:     cfg.OtelEnabled,
		HTTPMetricsMw:   httpMetricsMw,
		AccessLogger:    mw.AccessLogger(accessLogger),
		InjectLogger:    mw.InjectLogger(log),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, gctx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		log.InfoContext(gctx, "starting vmshare api", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.InfoContext(ctx, "shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.ErrorContext(ctx, "http server shutdown failed", "error", err)
		}

		if err := coordinator.ShutdownAll(shutdownCtx); err != nil {
			log.ErrorContext(ctx, "shutdown all instances failed", "error", err)
		}
		procRegistry.StopAll(cfg.ShutdownGrace)

		return nil
	})

	// Translate bridge lifecycle events into reclaim requests and metrics.
	grp.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-bridgeEvents:
				metricsReg.RecordBridgeAttach(ctx, string(ev.Kind))
				switch ev.Kind {
				case bridge.EventDetached, bridge.EventBridgeExited:
					if err := coordinator.Reclaim(ctx, ev.InstanceID); err != nil {
						log.WarnContext(ctx, "reclaim after bridge event failed", "instance_id", ev.InstanceID, "kind", ev.Kind, "error", err)
					}
				}
			}
		}
	})

	return grp.Wait()
}
