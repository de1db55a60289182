// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package loop models a loop job's cycle range and archive location, and
// auto-discovers the current cycle from the archive's contents when it
// isn't supplied explicitly.
package loop

import (
	"os"
	"path/filepath"

	"github.com/qqbatch/qq/pkg/archive"
	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qerrors"
)

// Info describes a loop job: the cycle range it runs, which cycle it is
// currently on, and where finished cycles' runtime files are archived.
type Info struct {
	Start         int    `yaml:"start"`
	End           int    `yaml:"end"`
	Current       int    `yaml:"current"`
	Archive       string `yaml:"archive"`
	ArchiveFormat string `yaml:"archive_format"`
}

// Options configures New. Current is optional: when zero (and
// CurrentSet is false), it is discovered from Archive's contents.
type Options struct {
	Start         int
	End           int
	Archive       string
	ArchiveFormat string
	Current       int
	CurrentSet    bool

	// JobDir, when non-empty, is checked against Archive: a loop job's
	// archive may never be its own submission directory.
	JobDir string

	Logger logging.Logger
}

// New validates opts and builds an Info, auto-discovering Current from
// the archive directory's contents when not explicitly supplied.
func New(opts Options) (*Info, error) {
	if opts.End == 0 {
		return nil, qerrors.Validation("attribute 'loop-end' is undefined")
	}

	archiveAbs, err := filepath.Abs(opts.Archive)
	if err != nil {
		return nil, qerrors.Environmental("resolving archive path %q: %v", opts.Archive, err)
	}

	if opts.JobDir != "" {
		jobDirAbs, err := filepath.Abs(opts.JobDir)
		if err != nil {
			return nil, qerrors.Environmental("resolving job dir %q: %v", opts.JobDir, err)
		}
		if archiveAbs == jobDirAbs {
			return nil, qerrors.Validation("job directory cannot be used as the loop job's archive")
		}
	}

	if opts.Start < 0 {
		return nil, qerrors.Validation("attribute 'loop-start' (%d) cannot be negative", opts.Start)
	}
	if opts.Start > opts.End {
		return nil, qerrors.Validation("attribute 'loop-start' (%d) cannot be higher than 'loop-end' (%d)", opts.Start, opts.End)
	}

	current := opts.Current
	if !opts.CurrentSet {
		discovered, err := discoverCycle(archiveAbs, opts.ArchiveFormat, opts.Start, opts.Logger)
		if err != nil {
			return nil, err
		}
		current = discovered
	}

	if current > opts.End {
		return nil, qerrors.Validation("current cycle number (%d) cannot be higher than 'loop-end' (%d)", current, opts.End)
	}

	return &Info{
		Start:         opts.Start,
		End:           opts.End,
		Current:       current,
		Archive:       archiveAbs,
		ArchiveFormat: opts.ArchiveFormat,
	}, nil
}

// discoverCycle scans archiveDir for filenames whose stems match the
// pattern derived from archiveFormat, returning the maximum cycle number
// found, or start if the directory doesn't exist or nothing matches.
func discoverCycle(archiveDir, archiveFormat string, start int, logger logging.Logger) (int, error) {
	info, err := os.Stat(archiveDir)
	if err != nil || !info.IsDir() {
		if logger != nil {
			logger.Debug("archive directory does not exist, using start cycle", "archive", archiveDir, "start", start)
		}
		return start, nil
	}

	pattern, err := archive.CompilePattern(archiveFormat)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return 0, qerrors.Transient(err, "listing archive directory %q", archiveDir)
	}

	max := start
	for _, entry := range entries {
		stem := stemOf(entry.Name())
		if !pattern.MatchString(stem) {
			continue
		}
		if n, ok := archive.ExtractCycle(stem); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func stemOf(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

// IsFinalCycle reports whether Current is the last cycle of the loop.
func (i *Info) IsFinalCycle() bool {
	return i.Current >= i.End
}
