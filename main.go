package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bakerstreetlabs/awxflow/agent"
	"github.com/bakerstreetlabs/awxflow/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("http-port", 9001, "http port for rest endpoints")
	cmd.Flags().String("awx-url", "", "base url of the AWX api")
	cmd.Flags().String("awx-username", "", "AWX username (env AWX_USERNAME)")
	cmd.Flags().String("awx-password", "", "AWX password (env AWX_PASSWORD)")
	cmd.Flags().Bool("awx-verify-ssl", true, "verify AWX tls certificates")
	cmd.Flags().String("template-prefix", "", "prefix mapping action names to AWX job templates")
	cmd.Flags().String("fallback-template", "", "job template used when no template matches an action")
	cmd.Flags().String("webhook-token", "", "shared secret for the webhook endpoint (env AWXFLOW_WEBHOOK_TOKEN)")
	cmd.Flags().Int("max-attempts", 3, "default step attempt limit")
	cmd.Flags().Int("retry-after", 30, "base retry backoff in seconds")
	cmd.Flags().Int("action-timeout", 1800, "default per action timeout in seconds")
	cmd.Flags().Int("global-concurrency", 8, "max steps in flight across all workflows")
	cmd.Flags().Int("workflow-concurrency", 4, "max steps in flight per workflow")
	cmd.Flags().Int("supervisor-tick", 15, "supervisor sweep interval in seconds")
	cmd.Flags().Int("webhook-grace", 120, "seconds before a missing webhook triggers a reconciliation poll")
	cmd.Flags().Int("reconcile-budget", 32, "max reconciliation polls per sweep")
	cmd.Flags().Int("retention", 60, "minutes terminal workflows stay queryable in memory")
	cmd.Flags().String("archive-impl", "noop", "archive for workflows past retention: noop or redis")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "awxflow", "namespace used in redis keys")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)
	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return err
		}
	}
	_ = viper.BindEnv("awx-username", "AWX_USERNAME")
	_ = viper.BindEnv("awx-password", "AWX_PASSWORD")
	_ = viper.BindEnv("webhook-token", "AWXFLOW_WEBHOOK_TOKEN")

	c.cfg = config.Default()
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.WebhookToken = viper.GetString("webhook-token")
	c.cfg.AWX.ApiUrl = viper.GetString("awx-url")
	c.cfg.AWX.Username = viper.GetString("awx-username")
	c.cfg.AWX.Password = viper.GetString("awx-password")
	c.cfg.AWX.VerifySSL = viper.GetBool("awx-verify-ssl")
	c.cfg.AWX.TemplatePrefix = viper.GetString("template-prefix")
	c.cfg.AWX.FallbackTemplate = viper.GetString("fallback-template")
	c.cfg.Flow.DefaultAction.MaxAttempts = viper.GetInt("max-attempts")
	c.cfg.Flow.DefaultAction.RetryAfterSeconds = viper.GetInt("retry-after")
	c.cfg.Flow.DefaultAction.TimeoutSeconds = viper.GetInt("action-timeout")
	c.cfg.Flow.GlobalConcurrency = viper.GetInt("global-concurrency")
	c.cfg.Flow.WorkflowConcurrency = viper.GetInt("workflow-concurrency")
	c.cfg.Supervisor.TickSeconds = viper.GetInt("supervisor-tick")
	c.cfg.Supervisor.WebhookGraceSeconds = viper.GetInt("webhook-grace")
	c.cfg.Supervisor.ReconcileBudget = viper.GetInt("reconcile-budget")
	c.cfg.Supervisor.RetentionMinutes = viper.GetInt("retention")
	c.cfg.Archive.Impl = config.ArchiveType(viper.GetString("archive-impl"))
	c.cfg.Archive.Redis.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.Archive.Redis.Namespace = viper.GetString("namespace")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	a, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return a.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "awxflow",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
