package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/multipkg/internal/engine"
	"github.com/vitaliisemenov/multipkg/internal/snapshot"
)

var installCmd = &cobra.Command{
	Use:   "install SPEC...",
	Short: "Install one or many package specs, bubbling downgrades",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		reqs, err := parseRequirements(args)
		if err != nil {
			return err
		}

		items, err := eng.Install(cmd.Context(), reqs)
		for _, item := range items {
			switch item.Outcome {
			case engine.OutcomeSatisfied:
				fmt.Printf("%s: already satisfied\n", item.Requirement)
			case engine.OutcomeInstalled:
				fmt.Printf("%s: installed into main environment\n", item.Requirement)
			case engine.OutcomeBubbled:
				fmt.Printf("%s: bubble created at %s\n", item.Requirement, item.Bubble.RootPath)
			case engine.OutcomeExisting:
				fmt.Printf("%s: bubble already exists\n", item.Requirement)
			}
		}
		return err
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall SPEC...",
	Short: "Uninstall packages or individual bubbled versions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		reqs, err := parseRequirements(args)
		if err != nil {
			return err
		}
		return eng.Uninstall(cmd.Context(), reqs)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages with active and bubbled versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		packages, err := eng.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, pkg := range packages {
			line := fmt.Sprintf("%s %s", pkg.Name, pkg.ActiveVersion)
			if len(pkg.BubbledVersions) > 0 {
				line += fmt.Sprintf(" (bubbled: %v)", pkg.BubbledVersions)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info PACKAGE",
	Short: "Show detail for one package, including its bubbles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		info, bubbles, err := eng.Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("name: %s\n", info.Name)
		fmt.Printf("active: %s\n", info.ActiveVersion)
		fmt.Printf("installed: %v\n", info.InstalledVersions)
		for _, bub := range bubbles {
			fmt.Printf("bubble %s: %s (%d files, %d bytes, %d deps)\n",
				bub.Version, bub.RootPath, len(bub.Manifest.Entries), bub.SizeBytes,
				len(bub.DependencySnapshot))
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run SCRIPT [ARGS...]",
	Short: "Run a script with automatic healing of version conflicts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noHeal, _ := cmd.Flags().GetBool("no-heal")

		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		result, err := eng.RunScript(cmd.Context(), args[0], args[1:], !noHeal)
		if err != nil {
			return err
		}
		if result.Healed {
			fmt.Fprintf(os.Stderr, "healed: re-run succeeded under %v\n", result.Activated)
		}
		if result.ExitCode != 0 {
			os.Exit(result.ExitCode)
		}
		return nil
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert SNAPSHOT_ID",
	Short: "Revert the environment to a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		return eng.Revert(cmd.Context(), args[0], func(plan *snapshot.Plan) bool {
			fmt.Println(plan)
			if flagYes {
				return true
			}
			fmt.Print("proceed? [y/N] ")
			var answer string
			fmt.Scanln(&answer)
			return answer == "y" || answer == "Y"
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture a snapshot of the current environment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		snap, err := eng.Snaps.Capture(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s (%d packages)\n", snap.ID, len(snap.Packages))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("interpreter: %s (%s)\n", report.InterpreterVersion, report.InterpreterExe)
		fmt.Printf("kb backend:  %s\n", report.KBBackend)
		fmt.Printf("packages:    %d\n", report.Packages)
		fmt.Printf("bubbles:     %d (%d bytes)\n", report.Bubbles, report.BubbleBytes)
		fmt.Printf("snapshots:   %d\n", report.Snapshots)
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove bubbles that duplicate the active version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		pruned, err := eng.Prune(cmd.Context())
		for _, name := range pruned {
			fmt.Printf("pruned %s\n", name)
		}
		return err
	},
}

func init() {
	runCmd.Flags().Bool("no-heal", false, "disable automatic healing")
	rootCmd.AddCommand(installCmd, uninstallCmd, listCmd, infoCmd, runCmd,
		revertCmd, snapshotCmd, statusCmd, pruneCmd)
}
