// Command mover migrates private browser data between Android applications
// on a rooted device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/config"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/logging"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/server"
)

// errSilent marks a failure already reported on stdout.
var errSilent = errors.New("command failed")

// app carries state shared by every subcommand.
type app struct {
	jsonOutput bool
	verbose    bool
	local      bool

	stack *server.Stack
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mover",
		Short:         "Move browser data between Android browsers",
		Long:          "mover copies a browser's private profile (history, bookmarks, logins, extensions) into another installed browser on a rooted device.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")
	root.PersistentFlags().BoolVar(&a.local, "local", false, "run commands without su (fixture trees, testing)")

	root.AddCommand(
		newMigrateCmd(a),
		newBackupsCmd(a),
		newRollbackCmd(a),
		newClassifyCmd(a),
		newLocateCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) open() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.local {
		cfg.Executor.Mode = "local"
		cfg.Executor.Shell = "sh"
		cfg.Executor.GlobalNamespace = false
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	if a.verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	a.stack, err = server.Build(cfg, logger)
	return err
}

func (a *app) close() error {
	if a.stack == nil {
		return nil
	}
	err := a.stack.Close()
	a.stack = nil
	return err
}

// printJSON writes v to w with sonic.
func printJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
