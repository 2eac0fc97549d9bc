package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/worldchamps/kioskq/internal/auth"
	"github.com/worldchamps/kioskq/internal/config"
	"github.com/worldchamps/kioskq/internal/logger"
	"github.com/worldchamps/kioskq/internal/metrics"
	"github.com/worldchamps/kioskq/internal/notify"
	"github.com/worldchamps/kioskq/internal/queue"
	"github.com/worldchamps/kioskq/internal/rpc"
	"github.com/worldchamps/kioskq/internal/server"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/internal/store/memory"
	"github.com/worldchamps/kioskq/internal/store/tabular"
	"github.com/worldchamps/kioskq/internal/store/tree"
)

// openStore builds the configured backend. Tabular stores are migrated
// before use.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case store.BackendMemory:
		return memory.New(memory.WithSnapshot(cfg.SnapshotPath))
	case store.BackendTabular:
		st, err := tabular.Open(cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case store.BackendTree:
		return tree.Open(ctx, tree.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the producer API",
		Long: `Start the HTTP producer API used by kiosks and agents, plus the gRPC
API when server.grpc_addr is set. Stops gracefully on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer st.Close()

	svcOpts := []queue.Option{queue.WithLogger(log)}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(reg)
		svcOpts = append(svcOpts, queue.WithMetrics(collector))
	}

	if cfg.Notify.Enabled() {
		n, err := notify.NewRedis(ctx, notify.Options{
			Addr:          cfg.Notify.RedisAddr,
			Password:      cfg.Notify.RedisPassword,
			ChannelPrefix: cfg.Notify.ChannelPrefix,
		}, log)
		if err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
		defer n.Close()
		svcOpts = append(svcOpts, queue.WithNotifier(n))
	}

	svc := queue.New(st, svcOpts...)
	keys := auth.NewStaticKeys(cfg.Auth.APIKey, cfg.Auth.AdminAPIKey)

	log.Info("starting producer",
		zap.String("backend", cfg.Store.Backend),
		zap.String("addr", cfg.Server.Addr),
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.Bool("notify", cfg.Notify.Enabled()),
		zap.String("api_key", logger.MaskKey(cfg.Auth.APIKey)))

	httpSrv := server.New(svc, keys, server.Options{
		Addr:            cfg.Server.Addr,
		Backend:         cfg.Store.Backend,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Metrics:         collector,
		Logger:          log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- httpSrv.ListenAndServe(ctx) }()

	if cfg.Server.GRPCAddr != "" {
		l, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			cancel()
			<-errCh
			return fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
		}
		g := rpc.NewGRPCServer(svc, keys, log)
		running++
		go func() { errCh <- rpc.Serve(ctx, g, l, log) }()
	}

	// the first server to stop takes the other one down with it
	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		return firstErr
	}
	log.Info("producer stopped")
	return nil
}

func buildMigrateCommand(opts *rootOptions) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the tabular queue table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.Store.MySQLDSN
			}

			st, err := tabular.Open(dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pms_queue table is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "MySQL DSN (default store.mysql_dsn)")
	return cmd
}
