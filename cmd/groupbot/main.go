// groupbot is the temporary group membership service: the chat webhook
// front end, the grant lifecycle engine, and the reconciliation sweeper
// in one binary.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/groupbot-framework/groupbot/internal/audit"
	"github.com/groupbot-framework/groupbot/internal/auditdb"
	"github.com/groupbot-framework/groupbot/internal/awsclient"
	"github.com/groupbot-framework/groupbot/internal/chat"
	"github.com/groupbot-framework/groupbot/internal/config"
	"github.com/groupbot-framework/groupbot/internal/directory"
	"github.com/groupbot-framework/groupbot/internal/engine"
	"github.com/groupbot-framework/groupbot/internal/grant"
	"github.com/groupbot-framework/groupbot/internal/identity"
	"github.com/groupbot-framework/groupbot/internal/logging"
	"github.com/groupbot-framework/groupbot/internal/notify"
	"github.com/groupbot-framework/groupbot/internal/objstore"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "groupbot",
		Short:        "groupbot — temporary group membership through chat",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ~/.groupbot/config.json)")
	rootCmd.PersistentFlags().String("config-parameter", "", "SSM parameter holding the config document (overrides --config)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime is the wired service: every long-lived component behind the
// serve and sweep commands.
type runtime struct {
	cfg        config.Config
	logger     zerolog.Logger
	engine     *engine.Engine
	identities *identity.Service
	secret     string
	auditDB    *sql.DB
}

func (rt *runtime) Close() {
	if rt.auditDB != nil {
		rt.auditDB.Close()
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	paramName, _ := cmd.Flags().GetString("config-parameter")
	cfgPath, _ := cmd.Flags().GetString("config")

	if paramName != "" {
		bootstrapLogger := logging.NewLogger(config.DefaultLogLevel)
		factory, err := awsclient.NewFactory(cmd.Context(), os.Getenv("AWS_REGION"), bootstrapLogger)
		if err != nil {
			return config.Config{}, err
		}
		return config.LoadFromParameter(cmd.Context(), factory.SSMClient(), paramName)
	}
	return config.Load(cfgPath)
}

func buildRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if cfg.LogJSON {
		logger = logging.NewJSONLogger(os.Stderr, cfg.LogLevel)
	}

	factory, err := awsclient.NewFactory(ctx, cfg.Region, logger)
	if err != nil {
		return nil, err
	}

	secret, err := cfg.ResolveSharedSecret(ctx, factory.SecretsManagerClient())
	if err != nil {
		return nil, err
	}

	db, err := auditdb.Open(cfg.AuditDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	auditLog, err := audit.NewLogger(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	router := directory.NewRouter()
	lambdaClient := factory.LambdaClient()
	for name, accountID := range cfg.Accounts {
		if addr, ok := cfg.AgentEndpoints[accountID]; ok {
			client, err := directory.DialAgent(addr)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("dialing agent for account %s: %w", name, err)
			}
			router.Register(accountID, client)
			continue
		}
		arn := directory.AgentFunctionARN(cfg.Region, accountID, cfg.AgentFunctionPrefix)
		router.Register(accountID, directory.NewLambdaClient(lambdaClient, arn))
	}

	store := objstore.NewS3Store(factory.S3Client(), cfg.DataBucket)
	records := grant.NewRecordStore(store, logger)
	identities := identity.NewService(store, router, auditLog, logger)

	eng := engine.New(records, identities, router, auditLog, engine.Policy{
		AllowSelfApproval:    cfg.AllowSelfApproval,
		RequestValidity:      time.Duration(cfg.RequestValiditySeconds) * time.Second,
		MaxMembershipMinutes: cfg.MaxMembershipMinutes,
	}, logger)

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		engine:     eng,
		identities: identities,
		secret:     secret,
		auditDB:    db,
	}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook service and the background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			handler := chat.NewHandler(rt.engine, rt.identities, notify.NewWebhookSink(rt.logger), chat.Options{
				SharedSecret:           rt.secret,
				TriggerWord:            cfg.TriggerWord,
				Accounts:               cfg.Accounts,
				Approvers:              cfg.Approvers,
				DefaultDurationMinutes: cfg.DefaultMembershipMinutes,
				DataBucket:             cfg.DataBucket,
			}, rt.logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sweeper := engine.NewSweeper(rt.engine, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
			go sweeper.Run(ctx)

			server := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				rt.logger.Info().Msg("shutting down")
				cancel()
				shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				server.Shutdown(shutdownCtx)
			}()

			rt.logger.Info().
				Str("addr", cfg.ListenAddr).
				Int("accounts", len(cfg.Accounts)).
				Msg("groupbot listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d grant(s), retried %d, discarded %d request(s)\n",
				report.GrantsExpired, report.GrantsRetried, report.RequestsDiscarded)
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
	}

	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := auditdb.Open(cfg.AuditDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ok, entries, err := audit.Verify(db)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit chain broken after %d entries", entries)
			}
			fmt.Printf("Audit chain intact: %d entries\n", entries)
			return nil
		},
	})
	return auditCmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if err := config.Save(config.Default(), cfgPath); err != nil {
				return err
			}
			if cfgPath == "" {
				cfgPath = config.Dir() + "/" + config.ConfigFileName
			}
			fmt.Printf("Wrote %s\n", cfgPath)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("region:        %s\n", cfg.Region)
			fmt.Printf("data bucket:   %s\n", cfg.DataBucket)
			fmt.Printf("listen addr:   %s\n", cfg.ListenAddr)
			fmt.Printf("trigger word:  %s\n", cfg.TriggerWord)
			fmt.Printf("sweep every:   %ds\n", cfg.SweepIntervalSeconds)
			fmt.Printf("accounts:\n")
			for name, id := range cfg.Accounts {
				fmt.Printf("  %-12s %s\n", name, id)
			}
			return nil
		},
	})
	return configCmd
}
