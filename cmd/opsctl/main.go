package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/agentdesk/internal/config"
	"github.com/suPer8Hu/agentdesk/internal/logging"
)

var cfg config.Config

func main() {
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operator commands for the agentdesk service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
		},
	}
	root.AddCommand(
		migrateCmd(),
		healthcheckCmd(),
		trimCmd(),
		tokenCmd(),
		syncCmd(),
	)
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("opsctl")
		os.Exit(1)
	}
}
