package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run the dubbing pipeline for one task and exit",
	Long: `Run the whole dubbing pipeline for a single task without starting the
HTTP server. Useful for debugging and batch scripting.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.pipeline.Run(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s failed: %w", taskID, err)
	}

	fmt.Printf("task %s completed\n", taskID)
	fmt.Printf("  final video: %s\n", result.FinalVideoPath)
	fmt.Printf("  playlist:    %s\n", result.PlaylistURL)
	if result.DroppedBatches > 0 {
		fmt.Printf("  dropped batches: %d\n", result.DroppedBatches)
	}
	return nil
}
