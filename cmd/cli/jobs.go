package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and drive the delayed job queue",
}

var jobsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Dispatch every due job once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.jobs.Sweep(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Dispatched %d jobs\n", n)
		return nil
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.jobs.Stats(context.Background())
		if err != nil {
			return err
		}
		statuses := make([]string, 0, len(stats))
		for s := range stats {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("%-8s %d\n", s, stats[s])
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsSweepCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}
