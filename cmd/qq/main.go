// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/qqbatch/qq/pkg/batch/pbs"
	_ "github.com/qqbatch/qq/pkg/batch/slurm"
	_ "github.com/qqbatch/qq/pkg/batch/vbs"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qconfig"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	debug bool

	rootCmd = &cobra.Command{
		Use:     "qq",
		Short:   "Submit and track batch jobs across PBS Pro, Slurm, and the virtual backend",
		Long:    `qq submits scripts to a batch scheduler, tracks their lifecycle through a small YAML record, and runs them as its own shebang-launched process on the compute node.`,
		Version: Version,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging (env: QQ_DEBUG)")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(docsCmd)
}

// newLogger builds the logger every subcommand uses, honoring --debug and
// QQ_DEBUG the same way qconfig.Default() does.
func newLogger() logging.Logger {
	cfg := logging.DefaultConfig()
	if debug || qconfig.Default().Debug {
		cfg.Level = slog.LevelDebug
	}
	cfg.Version = qconfig.Version
	return logging.NewLogger(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(qconfig.ExitUnexpected)
	}
}
