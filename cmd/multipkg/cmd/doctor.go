package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/multipkg/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check and repair KB/filesystem consistency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.Doctor.ScanBubbles(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("bubbles healthy:    %d\n", report.Healthy)
		fmt.Printf("orphans registered: %d %v\n", len(report.Orphans), report.Orphans)
		fmt.Printf("ghosts flagged:     %d %v\n", len(report.Ghosts), report.Ghosts)

		verify, _ := cmd.Flags().GetString("verify")
		if verify != "" {
			req, err := parseRequirements([]string{verify})
			if err != nil {
				return err
			}
			if req[0].Version == nil {
				return fmt.Errorf("doctor --verify requires name==version")
			}
			drifted, err := eng.Doctor.VerifyBubble(cmd.Context(), req[0].Name, req[0].Version.String())
			if err != nil {
				return err
			}
			if len(drifted) == 0 {
				fmt.Printf("bubble %s verified, no drift\n", verify)
			} else {
				fmt.Printf("bubble %s drifted: %v\n", verify, drifted)
			}
		}
		return nil
	},
}

var rebuildKBCmd = &cobra.Command{
	Use:   "rebuild-kb",
	Short: "Discard package, bubble and snapshot KB records and rebuild package and bubble records from the filesystem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.Doctor.RebuildKB(cmd.Context())
	},
}

var rescanCmd = &cobra.Command{
	Use:   "rescan-interpreters [ROOT...]",
	Short: "Find interpreters under managed roots and reconcile the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		roots := args
		if len(roots) == 0 {
			roots = []string{filepath.Join(config.Home(), "envs")}
		}
		adopted, removed, err := eng.Doctor.RescanInterpreters(cmd.Context(), roots)
		if err != nil {
			return err
		}
		fmt.Printf("adopted: %v\nremoved: %v\n", adopted, removed)
		return nil
	},
}

func init() {
	doctorCmd.Flags().String("verify", "", "re-hash one bubble's manifest (name==version)")
	rootCmd.AddCommand(doctorCmd, rebuildKBCmd, rescanCmd)
}
