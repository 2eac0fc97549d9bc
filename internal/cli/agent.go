package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/worldchamps/kioskq/internal/agent"
	"github.com/worldchamps/kioskq/internal/config"
	"github.com/worldchamps/kioskq/internal/logger"
	"github.com/worldchamps/kioskq/internal/notify"
	"github.com/worldchamps/kioskq/internal/rpc"
	"github.com/worldchamps/kioskq/pkg/client"
	"github.com/worldchamps/kioskq/pkg/types"
)

func buildAgentCommand(opts *rootOptions) *cobra.Command {
	var property string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the job agent of one property",
		Long: `Poll one property's pending jobs and run agent.command for each,
reporting success or failure back to the producer. When notify.redis_addr is
set, new jobs are picked up as soon as they are announced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if property != "" {
				cfg.Agent.Property = property
			}
			if opts.serverURL != "" {
				cfg.Agent.ServerURL = opts.serverURL
			}
			if opts.apiKey != "" {
				cfg.Agent.APIKey = opts.apiKey
			}
			if err := cfg.ValidateAgent(); err != nil {
				return fmt.Errorf("invalid agent config: %w", err)
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&property, "property", "p", "", "property to serve (default KIOSK_PROPERTY_ID)")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	p := types.PropertyID(cfg.Agent.Property)

	var source agent.JobSource
	switch cfg.Agent.Transport {
	case "grpc":
		c, err := rpc.Dial(cfg.Agent.GRPCAddr, cfg.AgentKey())
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Agent.GRPCAddr, err)
		}
		defer c.Close()
		source = agent.NewGrpcSource(c, p)
	default:
		source = agent.NewHTTPSource(client.New(cfg.Agent.ServerURL, cfg.AgentKey()), p)
	}

	agentOpts := []agent.Option{agent.WithLogger(log)}
	if cfg.Notify.Enabled() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Notify.RedisAddr, Password: cfg.Notify.RedisPassword})
		defer rdb.Close()

		sub, err := notify.Subscribe(ctx, rdb, cfg.Notify.ChannelPrefix, p, log)
		if err != nil {
			// polling alone still drains the queue
			log.Warn("notifications unavailable, polling only", zap.Error(err))
		} else {
			defer sub.Close()
			agentOpts = append(agentOpts, agent.WithWakeups(sub.Events()))
		}
	}

	a, err := agent.New(agent.Config{
		Property:     p,
		PollInterval: cfg.Agent.PollInterval,
		Workers:      cfg.Agent.Workers,
		JobTimeout:   cfg.Agent.JobTimeout,
		MarkRunning:  cfg.Agent.MarkRunning,
	}, source, &agent.CommandExecutor{Command: cfg.Agent.Command}, agentOpts...)
	if err != nil {
		return err
	}

	log.Info("agent configured",
		zap.String("property", string(p)),
		zap.String("transport", cfg.Agent.Transport),
		zap.Strings("command", cfg.Agent.Command),
		zap.String("api_key", logger.MaskKey(cfg.AgentKey())))
	return a.Run(ctx)
}
