// Bitemporal holiday master gRPC server
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/nainya/bitemporal/internal/config"
	"github.com/nainya/bitemporal/internal/logger"
	"github.com/nainya/bitemporal/internal/metrics"
	"github.com/nainya/bitemporal/internal/server"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/master"
	"github.com/nainya/bitemporal/pkg/store"
	"github.com/nainya/bitemporal/pkg/store/memstore"
	"github.com/nainya/bitemporal/pkg/store/rediscache"
	"github.com/nainya/bitemporal/pkg/store/sqlstore"
)

const maxMsgSize = 16 * 1024 * 1024

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "bitemporald",
		Short:         "Bitemporal holiday master",
		Long:          "Serves a versioned, correctable holiday store over gRPC with Prometheus metrics.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	d := config.Defaults()
	flags := cmd.Flags()
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.String(config.KeyBackend, d.Backend, "storage backend (memory|sqlite|postgres)")
	flags.String(config.KeyDSN, d.DSN, "database file or connection string")
	flags.String(config.KeyTablePrefix, d.TablePrefix, "table name prefix")
	flags.Int(config.KeyGRPCPort, d.GRPCPort, "gRPC port")
	flags.Int(config.KeyMetricsPort, d.MetricsPort, "metrics, health and pprof port")
	flags.String(config.KeyLogLevel, d.LogLevel, "log level (debug|info|warn|error)")
	flags.Bool(config.KeyLogPretty, d.LogPretty, "human-readable console logs")
	flags.Duration(config.KeyQueryTimeout, d.QueryTimeout, "deadline applied to every store operation")
	flags.Duration(config.KeyShutdownTimeout, d.ShutdownTimeout, "grace period for in-flight requests on shutdown")
	flags.String(config.KeyRedisURL, d.RedisURL, "redis:// URL of the read-through cache (disabled when empty)")
	flags.Duration(config.KeyCacheTTL, d.CacheTTL, "lifetime of cached reads")

	cmd.AddCommand(newHealthCommand())
	return cmd
}

func loadConfig(configFile string, flags *pflag.FlagSet) (config.Config, error) {
	v, err := config.NewViper(configFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := v.BindPFlags(flags); err != nil {
		return config.Config{}, fmt.Errorf("bind flags: %w", err)
	}
	return config.Load(v)
}

func newHealthCommand() *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the Health RPC of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, conn, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := client.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthy=%t version=%s uptime=%ds\n", resp.Healthy, resp.Version, resp.UptimeSeconds)
			if !resp.Healthy {
				return errors.New("server reports unhealthy storage")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request deadline")
	return cmd
}

func openBackend(ctx context.Context, cfg config.Config) (store.Backend[holiday.Holiday], error) {
	opts := store.Options[holiday.Holiday]{
		Scheme:  holiday.Scheme,
		Indexer: holiday.Index,
	}
	switch cfg.Backend {
	case config.BackendMemory:
		return memstore.New(opts)
	case config.BackendSQLite, config.BackendPostgres:
		dialect, err := sqlstore.ParseDialect(cfg.Backend)
		if err != nil {
			return nil, err
		}
		return sqlstore.Open(ctx, sqlstore.Config{
			Dialect:     dialect,
			DSN:         cfg.DSN,
			TablePrefix: cfg.TablePrefix,
		}, opts)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// withCache wraps backend in the Redis cache when one is configured. The
// returned close func releases the Redis client.
func withCache(ctx context.Context, cfg config.Config, backend store.Backend[holiday.Holiday], m *metrics.Metrics) (store.Backend[holiday.Holiday], func() error, error) {
	if cfg.RedisURL == "" {
		return backend, func() error { return nil }, nil
	}
	client, err := rediscache.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	cached, err := rediscache.New[holiday.Holiday](backend, client, rediscache.Options[holiday.Holiday]{
		Prefix:  cfg.TablePrefix,
		TTL:     cfg.CacheTTL,
		Indexer: holiday.Index,
		Metrics: m,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return cached, client.Close, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.InitGlobalLogger(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.LogServerStart(cfg.GRPCPort, cfg.MetricsPort, cfg.Backend)

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Error("Failed to open backend").Err(err).Send()
		return err
	}
	cached, closeCache, err := withCache(ctx, cfg, backend, m)
	if err != nil {
		log.Error("Failed to connect to cache").Err(err).Send()
		backend.Close()
		return err
	}
	defer closeCache()

	hm, err := master.New(cached, master.Options[holiday.Holiday]{
		Scheme:       holiday.Scheme,
		Validator:    holiday.Validate,
		QueryTimeout: cfg.QueryTimeout,
		Backend:      cfg.Backend,
		Logger:       log,
		Metrics:      m,
	})
	if err != nil {
		backend.Close()
		return err
	}
	defer hm.Close()

	hm.Subscribe(func(e master.ChangeEvent) {
		log.Debug("Holiday changed").
			Str("type", e.Type.String()).
			Str("object_id", e.ObjectID.String()).
			Time("at", e.At).
			Send()
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		server.Interceptors(m, log),
	)
	server.Register(grpcServer, server.NewServer(hm))

	obs := server.NewObservabilityServer(cfg.MetricsPort, prometheus.DefaultGatherer, hm.Ping, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.LogServerReady(cfg.GRPCPort)
		obs.SetReady(true)
		return grpcServer.Serve(lis)
	})
	g.Go(obs.Start)
	g.Go(func() error {
		m.RunUptime(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.LogServerShutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		obs.SetReady(false)

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return obs.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		log.Error("Server stopped with error").Err(err).Send()
		return err
	}
	log.Info("Server stopped").Send()
	return nil
}
