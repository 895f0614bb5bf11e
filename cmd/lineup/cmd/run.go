package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/obirvalger/lineup/internal/logging"
	"github.com/obirvalger/lineup/internal/run"
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Run a manifest's taskline or taskset",
	Long: `Load and resolve a manifest, set up its workers, and run either a
taskline (the default entrypoint, or one named with --taskline) or the
manifest's taskset (with --taskset).`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runTaskline string
	runTaskset  bool
	runWorkers  []string
	runVars     []string
	runExists   string
	runClean    bool
)

func init() {
	runCmd.Flags().StringVar(&runTaskline, "taskline", "", "taskline to run (default: the manifest's default taskline)")
	runCmd.Flags().BoolVar(&runTaskset, "taskset", false, "run the manifest's taskset instead of a taskline")
	runCmd.Flags().StringArrayVar(&runWorkers, "workers", nil, "regex filter(s) for which workers to run against (default: all)")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "variable override (format: name=value)")
	runCmd.Flags().StringVar(&runExists, "exists", "", "override every worker's exists policy (fail, ignore, replace)")
	runCmd.Flags().BoolVar(&runClean, "clean", true, "tear down workers that finished setup once the run ends")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	manifestPath, err := resolveManifestPath(args[0])
	if err != nil {
		return err
	}

	overrides := map[string]string{}
	for _, v := range runVars {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid --var format: %s (expected name=value)", v)
		}
		overrides[parts[0]] = parts[1]
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	logger, closer, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	runID := uuid.NewString()
	logger = logging.WithRun(logger, runID)

	opts := run.Options{
		ManifestPath: manifestPath,
		Entrypoint:   runTaskline,
		RunTaskset:   runTaskset,
		Workers:      runWorkers,
		VarOverrides: overrides,
		Config:       cfg,
		Logger:       logger,
	}
	if runExists != "" {
		opts.ExistsOverride = runExists
	}
	if cmd.Flags().Changed("clean") {
		clean := runClean
		opts.CleanOverride = &clean
	}

	orch := run.New(cfg, logger)
	code, runErr := run.Run(context.Background(), orch, opts)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
	}
	if code != run.ExitSuccess {
		os.Exit(code)
	}
	return nil
}

// resolveManifestPath resolves a manifest argument against the working
// directory, the way the teacher resolves a template reference in run.go.
func resolveManifestPath(ref string) (string, error) {
	dir, err := getWorkDir()
	if err != nil {
		return "", err
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("manifest file not found: %s", path)
	}
	return path, nil
}
