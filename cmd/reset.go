package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/stickercam/internal/utils"
)

var (
	resetDB        bool
	resetSnapshots bool
	resetYes       bool
	snapshotsPath  string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (presets, session history, snapshots)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetSnapshots {
			resetDB = true
			resetSnapshots = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all preset and session tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := mustDB(cmd.Context()).Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetSnapshots {
			if resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all snapshots in %s?", snapshotsPath)) {
				fmt.Println("🗑️  Clearing Snapshots...")
				removeDir(snapshotsPath)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "tables", false, "Drop preset and session tables")
	resetCmd.Flags().BoolVar(&resetSnapshots, "snapshots", false, "Delete the snapshot directory")
	resetCmd.Flags().StringVar(&snapshotsPath, "snapshot-dir", "snapshots", "Snapshot directory to delete")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Don't ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
