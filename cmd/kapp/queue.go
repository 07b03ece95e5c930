package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trailbound/kapp/pkg/client"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the publishing queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client.New(serverAddr).QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Waiting:   %d\n", stats.Waiting)
		fmt.Printf("Active:    %d\n", stats.Active)
		fmt.Printf("Completed: %d\n", stats.Completed)
		fmt.Printf("Failed:    %d\n", stats.Failed)
		if stats.Paused {
			fmt.Println("Queue is PAUSED")
		}
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop handing jobs to workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.New(serverAddr).PauseQueue(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("✓ Queue paused")
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume handing jobs to workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.New(serverAddr).ResumeQueue(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("✓ Queue resumed")
		return nil
	},
}

var queueClearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Drop the completed-job history",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.New(serverAddr).ClearCompletedJobs(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d completed jobs cleared\n", n)
		return nil
	},
}

var queueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Drop the failed-job history",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.New(serverAddr).ClearFailedJobs(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d failed jobs cleared\n", n)
		return nil
	},
}

var queueRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Move settled-failed jobs back to waiting",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.New(serverAddr).RetryFailedJobs(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d jobs re-queued\n", n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueClearCompletedCmd)
	queueCmd.AddCommand(queueClearFailedCmd)
	queueCmd.AddCommand(queueRetryFailedCmd)
}
