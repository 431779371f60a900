package supervisorcmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcloop/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted orchestrator state",
	Long: `Reads the state database and prints the last planner sync, active and
processed tasks, and every known worker. Works whether or not a run is in
progress; the output reflects the most recently persisted state.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()

	planner, ok, err := st.GetPlannerState(ctx)
	if err != nil {
		return fmt.Errorf("read planner state: %w", err)
	}
	if !ok {
		fmt.Println("No planner state recorded yet.")
	} else {
		fmt.Printf("Last sync:       %s\n", planner.LastSyncTime.Format("2006-01-02 15:04:05"))
		fmt.Printf("Active tasks:    %d %v\n", len(planner.ActiveTaskIDs), planner.ActiveTaskIDs)
		fmt.Printf("Processed tasks: %d\n", len(planner.ProcessedTaskIDs))
	}

	workers, err := st.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	fmt.Printf("\nWorkers (%d):\n", len(workers))
	for _, w := range workers {
		taskInfo := "-"
		if w.CurrentTaskID != "" {
			taskInfo = w.CurrentTaskID
		}
		fmt.Printf("  %-44s %-8s task=%s last_active=%s\n",
			w.WorkerID, w.Status, taskInfo, w.LastActiveAt.Format("15:04:05"))
	}

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) > 0 {
		fmt.Printf("\nTasks (%d):\n", len(tasks))
		for _, t := range tasks {
			pr := "-"
			if t.PullRequestURL != "" {
				pr = t.PullRequestURL
			}
			fmt.Printf("  %-12s retries=%d pr=%s\n", t.TaskID, t.RetryCount, pr)
		}
	}
	return nil
}
