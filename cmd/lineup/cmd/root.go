package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/obirvalger/lineup/internal/config"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"

	verbose    bool
	workDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "lineup",
	Short: "Declarative, manifest-driven task orchestration",
	Long: `Lineup runs a manifest's tasklines and tasksets against one or more
worker backends (host, ssh, docker, podman, incus, vml), with templated
variables, retries, and a dependency-ordered task scheduler.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "explicit config file (default: layered global + project config)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("lineup {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	dir, err := getWorkDir()
	if err != nil {
		return nil, err
	}
	return config.LoadFromDir(dir)
}
