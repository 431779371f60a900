package supervisorcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/orcloop/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Creates the .orcloop directory with a default config.yaml. Edit board_id,
the repository allow-list, and the provider sections before running.`,
	RunE: runInit,
}

var initBoardID string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBoardID, "board", "", "project board identifier")
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	cfg := config.Default()
	cfg.BoardID = initBoardID
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", configPath)
	if initBoardID == "" {
		fmt.Println("Set board_id before running 'orcloop run'.")
	}
	return nil
}
