package cli

import (
	"fmt"
	"os"

	"pubflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "pubflow",
	Short: "Automation orchestrator for staged publishing workflows",
	Long: `pubflow runs automations attached to workflow stages: conditions are
evaluated against the pub in question, action instances are executed and
recorded in the run ledger, and delayed triggers are handed to the job runner.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Println("Error reading config file:", err)
		os.Exit(1)
	}
}

// loadConfig decodes the configuration and sets up the standard logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	return cfg, nil
}
