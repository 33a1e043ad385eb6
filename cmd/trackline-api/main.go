// README: Entry point; loads config, wires stores, hub and relay, starts the HTTP server and the pending-order monitor.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"trackline/internal/config"
	httptransport "trackline/internal/http"
	"trackline/internal/infra"
	"trackline/internal/metrics"
	"trackline/internal/modules/location"
	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/modules/payment"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := run(); err != nil {
		slog.Error("trackline-api: exit", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		return errors.New("TRACKLINE_FIREBASE_PROJECT_ID is required")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		return err
	}

	var (
		orderStore    order.Store
		locationStore location.Store
		dedupStore    payment.DedupStore
	)
	switch cfg.Store {
	case config.StorePostgres:
		dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer dbPool.Close()
		redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		orderStore = order.NewPGStore(dbPool)
		dedupStore = payment.NewPGStore(dbPool)
		locationStore = location.NewRedisStore(redisClient, cfg.Tracking.SampleTTL)
	default:
		slog.Warn("trackline-api: using in-memory stores; state is lost on restart")
		orderStore = order.NewMemoryStore()
		dedupStore = payment.NewMemoryStore()
		locationStore = location.NewMemoryStore()
	}

	var hubOpts []notify.Option
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := infra.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		mirror := notify.NewKafkaMirror(producer, cfg.Kafka.Topic)
		defer mirror.Close()
		hubOpts = append(hubOpts, notify.WithMirror(mirror))
	}
	hub := notify.NewHub(notify.Config{QueueSize: cfg.Hub.QueueSize, SendTimeout: cfg.Hub.SendTimeout}, hubOpts...)
	defer hub.Close()

	orderSvc := order.NewService(orderStore, hub)

	var relayOpts []location.Option
	if fb.Database != nil {
		relayOpts = append(relayOpts, location.WithMirror(location.NewRTDBMirror(fb.Database)))
	}
	relay := location.NewRelay(locationStore, orderSvc, hub, location.Config{
		StaleAfter:    cfg.Tracking.StaleAfter,
		MirrorTimeout: cfg.Tracking.MirrorTimeout,
	}, relayOpts...)
	defer relay.Close()
	orderSvc.SetDeliveryListener(relay)

	active, err := orderSvc.ActiveDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("list active deliveries: %w", err)
	}
	armed, err := relay.Resume(ctx, active)
	if err != nil {
		return fmt.Errorf("resume silence timers: %w", err)
	}
	slog.Info("trackline-api: resumed deliveries", "count", armed)

	bridge := payment.NewBridge(cfg.Webhook.Secret, orderSvc, dedupStore)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	router := httptransport.NewRouter(httptransport.ServerDeps{
		Order:    orderSvc,
		Relay:    relay,
		Hub:      hub,
		Bridge:   bridge,
		Verifier: fb.Verifier,
		Gatherer: reg,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("trackline-api: listening", "addr", cfg.HTTP.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		orderSvc.RunTimeoutMonitor(gctx, cfg.Orders.MonitorEvery, cfg.Orders.PendingTimeout)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
