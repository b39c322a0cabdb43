package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()

		logrus.Info("Starting database migration...")
		if err := migrate(db); err != nil {
			return err
		}

		// 复合索引：调度扫描与运行列表
		if db.Dialector.Name() == "postgres" {
			db.Exec("CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_status_fire ON scheduled_jobs(status, fire_at)")
			db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_automation_created ON automation_runs(automation_id, created_at DESC)")
		}

		logrus.Info("Database migration completed successfully!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
