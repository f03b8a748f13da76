// Command ledgertwind runs the ledger twin: it subscribes to the event feed,
// folds it into an in-memory twin and serves the twin's queries over HTTP.
//
// Configuration is read from LEDGERTWIN_* environment variables; see package
// internal/config.
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

	"github.com/danielorbach/go-component"
	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	_ "gocloud.dev/pubsub/mempubsub"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/ledgertwin"
	"github.com/go-digitaltwin/ledgertwin/httpapi"
	"github.com/go-digitaltwin/ledgertwin/internal/config"
	"github.com/go-digitaltwin/ledgertwin/internal/otelsetup"
	"github.com/go-digitaltwin/ledgertwin/internal/twinmetrics"
	"github.com/go-digitaltwin/ledgertwin/ledger"
	"github.com/go-digitaltwin/ledgertwin/mqttbroker"
	"github.com/go-digitaltwin/ledgertwin/neo4jgraph"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgertwind:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = component.InjectLogger(ctx, logger)

	shutdownTracing, err := otelsetup.Setup(ctx, "ledgertwind", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	store, err := loadStore(ctx, cfg)
	if err != nil {
		return err
	}
	gauge, err := ledgertwin.RegisterStalenessGauge(store)
	if err != nil {
		return fmt.Errorf("register staleness gauge: %w", err)
	}
	defer func() { _ = gauge.Unregister() }()
	if err := twinmetrics.Register(prometheus.DefaultRegisterer, store); err != nil {
		return fmt.Errorf("register prometheus collector: %w", err)
	}

	handler := ledgertwin.FoldInto(store)
	api := &httpapi.Handler{Store: store, MaxStaleness: cfg.MaxStaleness}
	if cfg.Neo4jURI != "" {
		driver, err := openNeo4j(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = driver.Close(context.WithoutCancel(ctx)) }()
		projector := neo4jgraph.NewProjector(driver, cfg.Neo4jDatabase)
		handler = projector.Handler(store)
		api.Graph = projector
		logger.Info("Projecting transfers onto neo4j", "neo4j.database", cfg.Neo4jDatabase)
	}

	g, ctx := errgroup.WithContext(ctx)

	if dial := dialer(cfg); dial != nil {
		sub := &ledgertwin.Subscriber{
			Dial:           dial,
			Pattern:        ledgertwin.WildcardTopic(cfg.Namespace),
			Handler:        handler,
			MinBackoff:     cfg.MinBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			ConnectTimeout: cfg.ConnectTimeout,
		}
		g.Go(func() error { return sub.Run(ctx) })
	} else {
		logger.Warn("No transport configured; the twin will not receive live events")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.NewRouter(api, logger)}
	g.Go(func() error {
		logger.Info("Serving twin queries", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Stopped", "error", err)
	return err
}

// loadStore builds the twin: empty, or rebuilt from the replay log. With a
// ledger configured, the log is first exported from the ledger's history.
func loadStore(ctx context.Context, cfg config.Config) (*ledgertwin.Store, error) {
	if cfg.LedgerDSN != "" {
		l, err := ledger.Open(ctx, cfg.LedgerDSN, nil)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		n, err := ledgertwin.Export(ctx, l, cfg.ReplayPath)
		_ = l.Close()
		if err != nil {
			return nil, fmt.Errorf("export ledger history: %w", err)
		}
		component.Logger(ctx).Info("Exported ledger history", "events", n, "file", cfg.ReplayPath)
	}
	if cfg.ReplayPath == "" {
		return ledgertwin.NewStore(cfg.StoreOptions()...), nil
	}
	store, _, err := ledgertwin.Rebuild(ctx, cfg.ReplayPath, cfg.StoreOptions()...)
	if err != nil {
		return nil, fmt.Errorf("rebuild twin: %w", err)
	}
	return store, nil
}

func dialer(cfg config.Config) ledgertwin.Dialer {
	switch cfg.Transport {
	case config.TransportMQTT:
		return mqttbroker.Dialer(cfg.MQTT(), ledgertwin.WildcardTopic(cfg.Namespace))
	case config.TransportPubSub:
		return ledgertwin.OpenSubscription(cfg.SubscriptionURL)
	}
	return nil
}

func openNeo4j(ctx context.Context, cfg config.Config) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if cfg.Neo4jUsername != "" {
		auth = neo4j.BasicAuth(cfg.Neo4jUsername, cfg.Neo4jPassword, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, auth)
	if err != nil {
		return nil, fmt.Errorf("open neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect neo4j: %w", err)
	}
	if err := neo4jgraph.BootstrapDatabase(ctx, driver, cfg.Neo4jDatabase); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("bootstrap neo4j: %w", err)
	}
	return driver, nil
}
