package cli

import (
	"context"
	"fmt"
	"os"

	"pubflow/internal/services"

	"github.com/spf13/cobra"
)

var flagImportFile string

// importCmd loads communities, stages, automations and pubs from a YAML file.
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import automation definitions from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(flagImportFile)
		if err != nil {
			return err
		}
		defs, err := services.ParseDefinitions(raw)
		if err != nil {
			return err
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
		if err := migrate(a.db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		sum, err := a.svc.Import(context.Background(), defs)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d communities, %d stages, %d automations, %d pubs\n",
			sum.Communities, sum.Stages, sum.Automations, sum.Pubs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVarP(&flagImportFile, "file", "f", "", "definitions file (YAML or JSON)")
	_ = importCmd.MarkFlagRequired("file")
}
