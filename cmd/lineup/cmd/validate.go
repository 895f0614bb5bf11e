package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/resolver"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Validate a manifest without running it",
	Long: `Load and resolve a manifest, reporting TOML syntax errors, missing
required fields, unknown task kinds, and use/extend resolution failures,
without executing any task. Taskset dependency cycles are not checked.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	manifestPath, err := resolveManifestPath(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Validating manifest: %s\n", manifestPath)

	manifest, err := manifestdoc.ParseManifestFile(manifestPath)
	if err != nil {
		fmt.Printf("\n%s Parsing failed:\n  %v\n", errorMark(), err)
		return fmt.Errorf("validation failed")
	}
	fmt.Printf("%s Syntax OK\n", checkMark())

	rm, err := resolver.NewLoader().Resolve(manifest)
	if err != nil {
		fmt.Printf("\n%s Resolution failed:\n  %v\n", errorMark(), err)
		return fmt.Errorf("validation failed")
	}
	fmt.Printf("%s Resolution OK\n", checkMark())

	fmt.Printf("\nWorkers: %d\n", len(rm.Workers))
	for name := range rm.Workers {
		fmt.Printf("  - %s\n", name)
	}
	fmt.Printf("\nTasklines: %d\n", len(rm.Tasklines))
	for name, tasks := range rm.Tasklines {
		label := name
		if label == "" {
			label = "(default)"
		}
		fmt.Printf("  - %s: %d tasks\n", label, len(tasks))
	}
	if len(rm.Taskset) > 0 {
		fmt.Printf("\nTaskset entries: %d\n", len(rm.Taskset))
		for name := range rm.Taskset {
			fmt.Printf("  - %s\n", name)
		}
	}

	fmt.Printf("\n%s All checks passed\n", checkMark())
	return nil
}

func checkMark() string {
	return "[OK]"
}

func errorMark() string {
	return "[ERROR]"
}
