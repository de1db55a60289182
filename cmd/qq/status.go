// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/repeat"
)

var statusCmd = &cobra.Command{
	Use:   "status [JOB...]",
	Short: "Print the real state of one or more jobs, or every job tracked in the current directory",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	paths, err := selectInfoFiles(".", args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "qq status: no matching jobs found")
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
		real, err := inf.GetRealState(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %s\n", inf.Record.JobID, real.Colorize(real.String()))
		return nil
	})

	if err := r.Run(classifyError); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(qconfig.ExitUnexpected)
	}
	return nil
}
