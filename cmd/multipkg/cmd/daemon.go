package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/multipkg/internal/config"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the worker daemon pool",
}

func pidFilePath() string {
	return filepath.Join(config.Home(), "daemon.pid")
}

func readDaemonPid() (int, bool) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	// Signal 0 probes liveness without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		os.Remove(pidFilePath())
		return 0, false
	}
	return pid, true
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker daemon pool in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, running := readDaemonPid(); running {
			fmt.Printf("daemon already running (pid %d)\n", pid)
			return nil
		}

		self, err := os.Executable()
		if err != nil {
			return err
		}
		child := exec.Command(self, "daemon", "run", "--interpreter", flagInterpreter)
		child.Stdout = nil
		child.Stderr = nil
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := child.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}

		if err := os.MkdirAll(config.Home(), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(pidFilePath(), []byte(strconv.Itoa(child.Process.Pid)), 0o600); err != nil {
			return err
		}
		fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
		return nil
	},
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the worker daemon pool in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		pool, err := eng.Workers()
		if err != nil {
			return err
		}
		defer pool.Stop()

		eng.Logger.Info("worker daemon pool running",
			"max_workers", eng.Cfg.Worker.MaxWorkers,
			"idle_timeout", eng.Cfg.Worker.IdleTimeout,
		)
		<-cmd.Context().Done()
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker daemon pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, running := readDaemonPid()
		if !running {
			fmt.Println("daemon not running")
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		os.Remove(pidFilePath())
		fmt.Printf("daemon stopped (pid %d)\n", pid)
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon pool status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, running := readDaemonPid(); running {
			fmt.Printf("daemon running (pid %d)\n", pid)
		} else {
			fmt.Println("daemon not running")
		}
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonRunCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}
