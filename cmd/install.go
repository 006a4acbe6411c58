package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/playmidi/internal/daemon"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the playback daemon as a launchd agent",
	Long: `Install 'playmidi serve' as a launchd agent that runs automatically on login.

This command will:
  - Generate a launchd plist file for the daemon
  - Install it to ~/Library/LaunchAgents/
  - Load the agent with launchctl

The daemon then serves the configured socket in the background, ready for
the client commands, watch and monitor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plist, err := agentConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(plist.LogPath, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		plistPath, err := writeAgent(plist)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Installed plist to %s\n", plistPath)

		if err := loadDaemon(plistPath); err != nil {
			return fmt.Errorf("failed to load daemon: %w", err)
		}

		fmt.Println("✓ Daemon loaded and started successfully")
		fmt.Printf("✓ Logs will be written to %s\n", plist.LogPath)
		fmt.Println("\nThe playmidi daemon is now running and will start automatically on login.")
		fmt.Println("\nCheck it is answering with:")
		fmt.Println("  playmidi state")
		fmt.Println("\nTo uninstall, run:")
		fmt.Println("  playmidi uninstall")
		return nil
	},
}

// agentConfig describes the agent for the running binary
func agentConfig() (daemon.PlistConfig, error) {
	var cfg daemon.PlistConfig

	exe, err := os.Executable()
	if err != nil {
		return cfg, fmt.Errorf("failed to get executable path: %w", err)
	}
	if cfg.BinaryPath, err = filepath.EvalSymlinks(exe); err != nil {
		return cfg, fmt.Errorf("failed to resolve executable path: %w", err)
	}
	if cfg.LogPath, err = daemon.GetDefaultLogPath(); err != nil {
		return cfg, fmt.Errorf("failed to get log path: %w", err)
	}
	if cfg.WorkingDirectory, err = os.UserHomeDir(); err != nil {
		return cfg, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg.Socket = socketFlag
	return cfg, nil
}

// writeAgent renders the plist into ~/Library/LaunchAgents, unloading any
// agent already installed there, and returns the written path
func writeAgent(cfg daemon.PlistConfig) (string, error) {
	content, err := daemon.GeneratePlist(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to generate plist: %w", err)
	}

	plistPath, err := daemon.GetPlistPath()
	if err != nil {
		return "", fmt.Errorf("failed to get plist path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create LaunchAgents directory: %w", err)
	}

	if _, err := os.Stat(plistPath); err == nil {
		fmt.Println("Agent already installed, replacing it...")
		if err := unloadDaemon(); err != nil {
			fmt.Printf("Warning: failed to unload existing agent: %v\n", err)
		}
	}

	if err := os.WriteFile(plistPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write plist file: %w", err)
	}
	return plistPath, nil
}

func init() {
	rootCmd.AddCommand(installCmd)
}

// launchDomain returns the launchd GUI domain of the current user
func launchDomain() (string, error) {
	out, err := exec.Command("id", "-u").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get user ID: %w", err)
	}
	return "gui/" + strings.TrimSpace(string(out)), nil
}

// loadDaemon bootstraps the agent into the user's launchd domain
func loadDaemon(plistPath string) error {
	domain, err := launchDomain()
	if err != nil {
		return err
	}

	output, err := exec.Command("launchctl", "bootstrap", domain, plistPath).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("launchctl bootstrap failed: %s", msg)
		}
		return fmt.Errorf("failed to run launchctl bootstrap: %w", err)
	}
	return nil
}

// unloadDaemon boots the agent out; an agent that is not loaded is not an error
func unloadDaemon() error {
	domain, err := launchDomain()
	if err != nil {
		return err
	}

	output, err := exec.Command("launchctl", "bootout", domain+"/"+daemon.Label).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			fmt.Printf("Warning: %s\n", msg)
		}
	}
	return nil
}
