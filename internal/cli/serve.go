package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/canopy/api"
	"github.com/jacentio/canopy/hub"
	"github.com/jacentio/canopy/internal/config"
	"github.com/jacentio/canopy/internal/metrics"
	"github.com/jacentio/canopy/mutation"
	"github.com/jacentio/canopy/store"
	"github.com/jacentio/canopy/store/dynamo"
	"github.com/jacentio/canopy/store/postgres"
	"github.com/jacentio/canopy/store/sqlite"
)

func newServeCommand(v *viper.Viper, opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the item API and live event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bind(v, cmd.Flags(), map[string]string{
				"addr":          "addr",
				"store.backend": "store",
				"relay.enabled": "relay",
			}); err != nil {
				return err
			}
			cfg, logger, err := load(v, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			return serve(cmd.Context(), cfg, ln, logger)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("store", config.BackendMemory, "store backend: memory, sqlite, postgres or dynamodb")
	flags.Bool("relay", false, "accept relayed events on POST /api/events")
	return cmd
}

// serve runs the server on ln until ctx is canceled, then shuts down
// gracefully: the hub closes first so stream handlers return.
func serve(ctx context.Context, cfg config.Config, ln net.Listener, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	h := hub.New(hub.Options{
		Buffer:  cfg.Hub.Buffer,
		Shards:  cfg.Hub.Shards,
		Logger:  logger,
		Metrics: m,
	})
	svc := mutation.New(st, h, logger, m)
	srv := api.New(svc, h, api.Options{
		Logger:      logger,
		Gatherer:    reg,
		EnableRelay: cfg.Relay.Enabled,
	})

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Requests outlive ctx: streams end through the hub, mutations finish
		// within the shutdown timeout.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			"addr", ln.Addr().String(),
			"store", cfg.Store.Backend,
			"relay", cfg.Relay.Enabled,
		)
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		h.Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// openStore opens the configured Relation Store backend.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		logger.Info("opening sqlite store", "path", cfg.SQLitePath)
		return sqlite.Open(ctx, cfg.SQLitePath)
	case config.BackendPostgres:
		logger.Info("opening postgres store")
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.BackendDynamoDB:
		return openDynamo(ctx, cfg.Dynamo, logger)
	default:
		logger.Warn("using in-memory store; items are lost on exit")
		return store.NewMemory(), nil
	}
}

func openDynamo(ctx context.Context, cfg config.DynamoConfig, logger *slog.Logger) (*dynamo.Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	storeCfg := dynamo.DefaultConfig()
	storeCfg.TableName = cfg.Table
	if cfg.CreateTable {
		logger.Info("ensuring dynamodb table", "table", storeCfg.TableName)
		if err := dynamo.EnsureTable(ctx, client, storeCfg, 0); err != nil {
			return nil, err
		}
	}
	logger.Info("opening dynamodb store", "table", storeCfg.TableName, "region", awsCfg.Region)
	return dynamo.New(client, storeCfg), nil
}
