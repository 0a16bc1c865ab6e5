// groupbot-agent is the per-account directory agent. It runs inside the
// member account with scoped IAM permissions and answers the four
// directory commands over gRPC for deployments that do not use the
// lambda transport.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/groupbot-framework/groupbot/internal/agent"
	"github.com/groupbot-framework/groupbot/internal/awsclient"
	"github.com/groupbot-framework/groupbot/internal/config"
	"github.com/groupbot-framework/groupbot/internal/logging"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "groupbot-agent",
		Short:        "groupbot directory agent for one account",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			region, _ := cmd.Flags().GetString("region")
			prefix, _ := cmd.Flags().GetString("group-path-prefix")
			logLevel, _ := cmd.Flags().GetString("log-level")

			logger := logging.NewLogger(logLevel)

			factory, err := awsclient.NewFactory(cmd.Context(), region, logger)
			if err != nil {
				return err
			}

			// Fail fast on bad credentials and log which principal the
			// agent acts as.
			arn, account, err := factory.CallerIdentity(cmd.Context())
			if err != nil {
				return fmt.Errorf("credential check failed: %w", err)
			}
			logger.Info().
				Str("arn", arn).
				Str("account_id", account).
				Str("group_path_prefix", prefix).
				Msg("agent identity confirmed")

			server, err := agent.NewServer(addr, agent.New(factory.IAMClient(), prefix, logger))
			if err != nil {
				return fmt.Errorf("starting agent: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info().Msg("shutting down")
				server.Stop()
			}()

			logger.Info().Str("addr", server.Addr()).Msg("agent listening")
			return server.Serve()
		},
	}

	cmd.Flags().String("addr", ":50052", "Listen address")
	cmd.Flags().String("region", os.Getenv("AWS_REGION"), "AWS region")
	cmd.Flags().String("group-path-prefix", config.DefaultGroupPathPrefix, "IAM path prefix for requestable groups")
	cmd.Flags().String("log-level", config.DefaultLogLevel, "Log level")

	return cmd
}
