package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/obirvalger/lineup/internal/engine"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

var initCmd = &cobra.Command{
	Use:   "init <profile> [target]",
	Short: "Render a starter manifest from a configured init profile",
	Long: `Render one of the project's or global config's init.profiles.<name>
entries into a manifest file. When the profile sets render = true, its
manifest template is rendered through the same template engine a task body
uses, with the profile's vars table as the render scope.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	profileName := args[0]
	target := "lineup.toml"
	if len(args) == 2 {
		target = args[1]
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	profile, ok := cfg.Init.Profiles[profileName]
	if !ok {
		var names []string
		for name := range cfg.Init.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown init profile %q (available: %v)", profileName, names)
	}
	if profile.Manifest == "" {
		return fmt.Errorf("init profile %q has no manifest template configured", profileName)
	}

	dir, err := getWorkDir()
	if err != nil {
		return err
	}

	srcPath := profile.Manifest
	if !filepath.IsAbs(srcPath) {
		srcPath = filepath.Join(dir, srcPath)
	}
	content, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("reading init profile template %s: %w", srcPath, err)
	}

	if profile.Render {
		eng := engine.New(vars.NewFsStore(dir))
		defer eng.Cleanup()

		scope := vars.NewScope()
		for name, raw := range profile.Vars {
			scope.Set(name, value.String(fmt.Sprintf("%v", raw)))
		}

		rendered, err := eng.Render(string(content), scope)
		if err != nil {
			return fmt.Errorf("rendering init profile %q: %w", profileName, err)
		}
		content = []byte(rendered)
	}

	targetPath := target
	if !filepath.IsAbs(targetPath) {
		targetPath = filepath.Join(dir, targetPath)
	}
	if _, err := os.Stat(targetPath); err == nil {
		return fmt.Errorf("%s already exists", targetPath)
	}
	if err := os.WriteFile(targetPath, content, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", targetPath, err)
	}

	fmt.Printf("Initialized %s from profile %q\n", targetPath, profileName)
	return nil
}
