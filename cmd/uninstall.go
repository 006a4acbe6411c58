package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/daemon"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the playback daemon launchd agent",
	Long: `Stop the playmidi launchd agent and remove its plist from
~/Library/LaunchAgents/. The daemon no longer starts on login afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plistPath, err := daemon.GetPlistPath()
		if err != nil {
			return fmt.Errorf("failed to get plist path: %w", err)
		}

		if _, err := os.Stat(plistPath); errors.Is(err, fs.ErrNotExist) {
			fmt.Println("Daemon is not installed (plist not found)")
			return nil
		}

		fmt.Println("Stopping daemon...")
		if err := unloadDaemon(); err != nil {
			fmt.Printf("Warning: failed to unload daemon: %v\n", err)
		} else {
			fmt.Println("✓ Daemon stopped")
		}

		if err := os.Remove(plistPath); err != nil {
			return fmt.Errorf("failed to remove plist file: %w", err)
		}

		fmt.Printf("✓ Removed %s\n", plistPath)
		fmt.Println("\nReinstall with:")
		fmt.Println("  playmidi install")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}
