// Package cmd holds the monoco command tree: daemon lifecycle plus project
// registry maintenance. Everything else goes through the HTTP API.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/monoco-io/monoco/internal/config"
)

var (
	version     = "dev"
	cfgFile     string
	projectRoot string
	cfg         config.Config
)

var rootCmd = &cobra.Command{
	Use:   "monoco",
	Short: "Filesystem-rooted orchestration daemon for coding agents",
	Long: `Monoco coordinates autonomous coding agents through plain files:
issues under Issues/, memos under Memos/, and a mailbox tree under
.monoco/mailbox. The daemon watches those trees, routes events to agent
sessions, and serves an HTTP API on localhost.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .monoco/config.yaml, then ~/.config/monoco/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectRoot, "project", "p", "",
		"project root the daemon serves (default: current directory)")

	_ = viper.BindPFlag("project_root", rootCmd.PersistentFlags().Lookup("project"))
}

func initConfig() {
	cfg = config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Lookup order: project config first, then the user config.
		if _, err := os.Stat(filepath.Join(".monoco", "config.yaml")); err == nil {
			viper.SetConfigFile(filepath.Join(".monoco", "config.yaml"))
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "monoco"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(".monoco", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// Write failure is not fatal: run on defaults.
		}
	}

	// Absent keys leave the defaults untouched.
	_ = viper.Unmarshal(&cfg)

	if cfg.ProjectRoot == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.ProjectRoot = cwd
		}
	}
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
