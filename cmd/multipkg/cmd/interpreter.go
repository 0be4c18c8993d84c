package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/engine"
	"github.com/vitaliisemenov/multipkg/internal/interp"
	"github.com/vitaliisemenov/multipkg/internal/kb"
)

// openRegistry opens the KB and registry for interpreter-management
// operations, which must work before any engine exists for the version.
func openRegistry(ctx context.Context, interpreterVersion string) (kb.Store, *interp.Registry, *config.Config, error) {
	cfg, err := config.Load(interpreterVersion)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := engine.OpenStore(ctx, cfg, newLogger(cfg))
	if err != nil {
		return nil, nil, nil, err
	}
	return store, interp.NewRegistry(store, newLogger(cfg)), cfg, nil
}

var adoptCmd = &cobra.Command{
	Use:   "adopt-interpreter EXECUTABLE",
	Short: "Register an interpreter and initialize its configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		version, err := interp.ProbeVersion(ctx, args[0])
		if err != nil {
			return err
		}

		store, registry, cfg, err := openRegistry(ctx, version)
		if err != nil {
			return err
		}
		defer store.Close()

		adopted, err := registry.Adopt(ctx, args[0], false)
		if err != nil {
			return err
		}

		// First adoption writes the config document with derived roots.
		if cfg.InstallRoot == "" {
			home := config.Home()
			cfg.InstallRoot = filepath.Join(home, "envs", version, "site-packages")
			cfg.BubbleRoot = filepath.Join(home, "bubbles", version)
		}
		if err := cfg.Save(version); err != nil {
			return err
		}

		fmt.Printf("adopted interpreter %s (%s)\n", adopted.Version, adopted.ExecutablePath)
		if engine.DefaultInterpreter() == "" {
			if err := engine.WriteDefaultInterpreter(version); err != nil {
				return err
			}
			fmt.Printf("set as default interpreter\n")
		}
		return nil
	},
}

var removeInterpCmd = &cobra.Command{
	Use:   "remove-interpreter VERSION",
	Short: "Unregister an interpreter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, registry, _, err := openRegistry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer store.Close()
		return registry.Remove(cmd.Context(), args[0])
	},
}

var swapCmd = &cobra.Command{
	Use:   "swap-interpreter VERSION",
	Short: "Change the default interpreter the dispatcher targets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, registry, _, err := openRegistry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := registry.Lookup(cmd.Context(), args[0]); err != nil {
			return err
		}
		if err := engine.WriteDefaultInterpreter(args[0]); err != nil {
			return err
		}
		fmt.Printf("default interpreter is now %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adoptCmd, removeInterpCmd, swapCmd)
}
