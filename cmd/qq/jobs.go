// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"

	"github.com/qqbatch/qq/internal/informer"
	"github.com/qqbatch/qq/pkg/batch"
	"github.com/qqbatch/qq/pkg/jobrecord"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/qerrors"
)

// findInfoFiles lists every *.qqinfo file directly inside dir, the way
// the original CLI discovers the jobs a directory is tracking.
func findInfoFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, qerrors.Environmental("reading directory %q: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == qconfig.InfoSuffix {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// loadInformer reads path's record and resolves its batch backend, ready
// for state queries or mutating operations (kill).
func loadInformer(path string, logger logging.Logger) (*informer.Informer, error) {
	record, err := jobrecord.Load(path)
	if err != nil {
		return nil, err
	}
	backend, err := batch.FromName(record.BatchSystem, logger)
	if err != nil {
		return nil, err
	}
	return informer.New(record, backend), nil
}

// selectInfoFiles resolves the CLI's [JOB...] argument form: with no
// arguments, every qqinfo file in dir; with arguments, only the files
// whose record matches one of the given job IDs.
func selectInfoFiles(dir string, jobIDs []string) ([]string, error) {
	all, err := findInfoFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(jobIDs) == 0 {
		return all, nil
	}

	var matched []string
	for _, path := range all {
		record, err := jobrecord.Load(path)
		if err != nil {
			continue
		}
		for _, id := range jobIDs {
			if informer.IsJob(record, id) {
				matched = append(matched, path)
				break
			}
		}
	}
	return matched, nil
}
