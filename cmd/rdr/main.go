package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/uds"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

var (
	projectFlag string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "rdr",
	Short: "rdr - recovery orchestrator for agent-driven task boards",
	Long: `rdr watches task state files written by autonomous coding agents, detects
tasks that stalled or crashed, and recovers them: it repairs corrupt task
files, restarts incomplete work and hands everything else to an analysis
session through a signal file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "C", "", "project root (default: nearest parent with a .rdr directory)")
	rootCmd.AddCommand(
		initCmd,
		daemonCmd,
		statusCmd,
		enqueueCmd,
		scanCmd,
		resumeCmd,
		sessionCmd,
		usageCmd,
		classifyCmd,
		stopCmd,
		versionCmd,
	)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rdr version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rdr %s\n", Version)
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// findProjectRoot walks up from the working directory to the nearest
// directory containing .rdr/.
func findProjectRoot() (string, error) {
	if projectFlag != "" {
		return filepath.Abs(projectFlag)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, model.ControlDirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New(".rdr/ directory not found; run 'rdr init' first")
		}
		dir = parent
	}
}

// loadProject resolves the project root, its config and every derived path.
func loadProject() (string, model.Config, model.Paths, error) {
	root, err := findProjectRoot()
	if err != nil {
		return "", model.Config{}, model.Paths{}, err
	}
	cfg, err := model.LoadConfig(filepath.Join(root, model.ControlDirName))
	if err != nil {
		return "", model.Config{}, model.Paths{}, err
	}
	return root, cfg, model.ResolvePaths(root, cfg), nil
}

// call sends one control command to the project's daemon.
func call(cmd *cobra.Command, command string, params, out any) error {
	_, _, paths, err := loadProject()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return uds.NewClient(paths.SocketPath).Call(ctx, command, params, out)
}

func success(cmd *cobra.Command, format string, args ...any) {
	color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
