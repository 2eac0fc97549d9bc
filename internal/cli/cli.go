// ============================================================================
// kioskq CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the producer, the agent and operators
//
// Command Structure:
//   kioskq
//   ├── serve                 # run the producer (HTTP, optional gRPC)
//   ├── agent                 # run a property-local agent
//   ├── migrate               # create/update the tabular queue table
//   ├── route <room>          # show which property a room routes to
//   ├── enqueue               # submit a job (flags or -f jobs.yaml)
//   ├── print <room> <pw>     # submit a remote-print job
//   ├── pending <property>    # list pending jobs
//   ├── complete <id>         # mark a job completed
//   └── fail <id> <reason>    # mark a job failed
//
// Global flags:
//   --config, -c   YAML config file (optional)
//   --env-file     .env file loaded before the environment (default .env)
//   --server       producer base URL for client commands
//   --api-key      key for client commands
//
// Client commands talk to a running producer over HTTP; serve, agent and
// migrate build their dependencies from configuration.
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/worldchamps/kioskq/internal/config"
	"github.com/worldchamps/kioskq/internal/router"
	"github.com/worldchamps/kioskq/pkg/client"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
	serverURL  string
	apiKey     string
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "kioskq",
		Short: "kioskq: check-in and print job queue for hotel kiosks",
		Long: `kioskq queues check-in, check-out and password-print jobs from
self-service kiosks and hands them to one agent per property.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (YAML)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "env file loaded before reading the environment")
	pf.StringVar(&opts.serverURL, "server", "", "producer base URL (default agent.server_url)")
	pf.StringVar(&opts.apiKey, "api-key", "", "API key (default from configuration)")

	rootCmd.AddCommand(
		buildServeCommand(opts),
		buildAgentCommand(opts),
		buildMigrateCommand(opts),
		buildRouteCommand(),
		buildEnqueueCommand(opts),
		buildPrintCommand(opts),
		buildPendingCommand(opts),
		buildCompleteCommand(opts),
		buildFailCommand(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// client builds an HTTP client from flags, falling back to configuration.
func (o *rootOptions) client() (*client.Client, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}

	url := o.serverURL
	if url == "" {
		url = cfg.Agent.ServerURL
	}
	key := o.apiKey
	if key == "" {
		key = cfg.AgentKey()
	}
	if key == "" {
		key = cfg.Auth.AdminAPIKey
	}
	if key == "" {
		return nil, fmt.Errorf("no API key: pass --api-key or set API_KEY")
	}
	return client.New(url, key), nil
}

func buildRouteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "route <room>",
		Short: "Show the property a room number routes to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := router.Route(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p, router.DisplayName(p))
			return nil
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
