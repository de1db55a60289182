// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/repeat"
)

var killFlags struct {
	force bool
}

var killCmd = &cobra.Command{
	Use:   "kill [JOB...]",
	Short: "Kill one or more jobs, or every job tracked in the current directory",
	RunE:  runKill,
}

func init() {
	killCmd.Flags().BoolVar(&killFlags.force, "force", false, "kill immediately, skipping the scheduler's graceful termination signal")
}

func runKill(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	paths, err := selectInfoFiles(".", args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "qq kill: no matching jobs found")
		return nil
	}

	items := make([]any, len(paths))
	for i, p := range paths {
		items[i] = p
	}

	ctx := context.Background()
	r := repeat.New(items, func(item any) error {
		path := item.(string)
		inf, err := loadInformer(path, logger)
		if err != nil {
			return err
		}
		if killFlags.force {
			err = inf.KillForce(ctx)
		} else {
			err = inf.Kill(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Printf("killed %s\n", inf.Record.JobID)
		return nil
	})
	r.OnError(string(qerrors.CategoryUnsuitable), func(err error, r *repeat.Repeater) {
		fmt.Fprintf(os.Stderr, "qq kill: %v\n", err)
	})

	if err := r.Run(classifyError); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(qconfig.ExitUnexpected)
	}
	return nil
}

// classifyError maps an error to the Repeater handler key that should
// intercept it: a QQError's category, or "" (unhandled) for anything
// else, which stops the batch.
func classifyError(err error) string {
	if qerrors.IsCategory(err, qerrors.CategoryUnsuitable) {
		return string(qerrors.CategoryUnsuitable)
	}
	return ""
}
