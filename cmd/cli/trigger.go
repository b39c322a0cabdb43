package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagAutomationID string
	flagPubID        string
	flagJSONInput    string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run an automation once and print the recorded run",
	RunE: func(cmd *cobra.Command, args []string) error {
		var input interface{}
		if flagJSONInput != "" {
			if err := json.Unmarshal([]byte(flagJSONInput), &input); err != nil {
				return fmt.Errorf("--json: %w", err)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.svc.RunManual(context.Background(), flagAutomationID, flagPubID, input, nil)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().StringVar(&flagAutomationID, "automation", "", "automation id")
	triggerCmd.Flags().StringVar(&flagPubID, "pub", "", "pub id (optional)")
	triggerCmd.Flags().StringVar(&flagJSONInput, "json", "", "JSON input exposed to templates as json")
	_ = triggerCmd.MarkFlagRequired("automation")
}
