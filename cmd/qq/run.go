// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qqbatch/qq/internal/runner"
	"github.com/qqbatch/qq/pkg/qconfig"
)

// runCmd is never invoked directly by a user: a submitted script's own
// shebang line ("#!/usr/bin/env qq run") resolves to this command, so it
// reads its job's identity from the environment qq submit wrote rather
// than from flags.
var runCmd = &cobra.Command{
	Use:    "run SCRIPT",
	Short:  "Run a job's script as its own scheduler-launched process (invoked via shebang only)",
	Args:   cobra.ExactArgs(1),
	Hidden: true,
	RunE:   runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx := context.Background()

	infoFile := os.Getenv(qconfig.EnvInfoFile)
	if infoFile == "" {
		fmt.Fprintln(os.Stderr, "qq run: QQ_INFO is not set; qq run must be invoked via a script's shebang")
		os.Exit(qconfig.ExitRunnerFatal)
	}
	inputMachine := os.Getenv(qconfig.EnvInputMachine)

	r, err := runner.New(ctx, runner.Options{
		InfoFile:     infoFile,
		InputMachine: inputMachine,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("qq run: failed to initialize", "error", err)
		os.Exit(qconfig.ExitRunnerFatal)
	}

	if err := r.Prepare(ctx); err != nil {
		r.LogFailureAndExit(ctx, err)
		return nil
	}

	exitCode, err := r.Execute(ctx)
	if err != nil {
		r.LogFailureAndExit(ctx, err)
		return nil
	}

	if err := r.Finalize(ctx, exitCode); err != nil {
		r.LogFailureAndExit(ctx, err)
		return nil
	}

	os.Exit(exitCode)
	return nil
}
