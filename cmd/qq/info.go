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
)

var infoCmd = &cobra.Command{
	Use:   "info JOB",
	Short: "Print a single job's full record and current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	paths, err := selectInfoFiles(".", args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return qerrors.JobMismatch("no job matching %q found in the current directory", args[0])
	}
	if len(paths) > 1 {
		return qerrors.JobMismatch("job id %q is ambiguous: matched %d records in the current directory", args[0], len(paths))
	}

	inf, err := loadInformer(paths[0], logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	real, err := inf.GetRealState(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qq info: could not query backend state: %v\n", err)
	}

	rec := inf.Record
	fmt.Printf("job id:          %s\n", rec.JobID)
	fmt.Printf("job name:        %s\n", rec.JobName)
	fmt.Printf("state:           %s\n", real.Colorize(real.String()))
	fmt.Printf("batch system:    %s\n", rec.BatchSystem)
	fmt.Printf("queue:           %s\n", rec.Queue)
	fmt.Printf("job type:        %s\n", rec.JobType)
	fmt.Printf("username:        %s\n", rec.Username)
	fmt.Printf("script:          %s\n", rec.ScriptName)
	fmt.Printf("input dir:       %s\n", rec.InputDir)
	fmt.Printf("input machine:   %s\n", rec.InputMachine)
	fmt.Printf("submitted:       %s\n", rec.SubmissionTime.Format(qconfig.DateFormat))

	if rec.Account != nil {
		fmt.Printf("account:         %s\n", *rec.Account)
	}
	if rec.StartTime != nil {
		fmt.Printf("started:         %s\n", rec.StartTime.Format(qconfig.DateFormat))
	}
	if rec.MainNode != nil {
		fmt.Printf("main node:       %s\n", *rec.MainNode)
	}
	if len(rec.AllNodes) > 0 {
		fmt.Printf("nodes:           %v\n", rec.AllNodes)
	}
	if rec.WorkDir != nil {
		fmt.Printf("work dir:        %s\n", *rec.WorkDir)
	}
	if rec.CompletionTime != nil {
		fmt.Printf("completed:       %s\n", rec.CompletionTime.Format(qconfig.DateFormat))
	}
	if rec.JobExitCode != nil {
		fmt.Printf("exit code:       %d\n", *rec.JobExitCode)
	}
	if rec.LoopInfo != nil {
		fmt.Printf("loop cycle:      %d of [%d, %d]\n", rec.LoopInfo.Current, rec.LoopInfo.Start, rec.LoopInfo.End)
	}
	if len(rec.Depend) > 0 {
		fmt.Printf("depends on:      %v\n", rec.Depend)
	}

	if comment, err := inf.GetComment(ctx); err == nil && comment != "" {
		fmt.Printf("comment:         %s\n", comment)
	}

	return nil
}
