// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive moves a loop job's per-cycle runtime files (stdout,
// stderr, and the qqinfo/qqout pair) between a job's working directory
// and its archive directory, under a printf-style numbered naming
// pattern shared with pkg/loop's cycle auto-discovery.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/qqbatch/qq/pkg/qerrors"
	"github.com/qqbatch/qq/pkg/qconfig"
)

var printfIntVerb = regexp.MustCompile(`%(0(\d+))?d`)

// CompilePattern compiles a printf-style numbered pattern such as
// "job%04d" or "+%d" into a regular expression that fully matches a
// filename stem produced by that pattern.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	loc := printfIntVerb.FindStringSubmatchIndex(pattern)
	if loc == nil {
		return nil, qerrors.Validation("archive pattern %q has no numeric verb", pattern)
	}

	prefix := pattern[:loc[0]]
	suffix := pattern[loc[1]:]
	width := pattern[loc[4]:loc[5]]

	digitsExpr := `\d+`
	if width != "" {
		digitsExpr = fmt.Sprintf(`\d{%s}`, width)
	}

	re := "^" + regexp.QuoteMeta(prefix) + "(" + digitsExpr + ")" + regexp.QuoteMeta(suffix) + "$"
	return regexp.MustCompile(re), nil
}

// Format renders cycle using pattern, e.g. Format("job%04d", 7) ->
// "job0007".
func Format(pattern string, cycle int) string {
	return fmt.Sprintf(pattern, cycle)
}

// ExtractCycle returns the first run of digits found in stem, used when
// discovering the current cycle from an archive directory's contents.
func ExtractCycle(stem string) (int, bool) {
	m := regexp.MustCompile(`\d+`).FindString(stem)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Archiver moves a job's runtime files into and out of its archive
// directory, between loop cycles.
type Archiver struct {
	// Dir is the archive directory.
	Dir string
	// Pattern is the printf-style numbering pattern, e.g. "+%04d".
	Pattern string
	// ScriptStem is the job script's file name (e.g. "run.sh"); runtime
	// files are named ScriptStem+suffix in the working directory.
	ScriptStem string

	compiled *regexp.Regexp
}

// New builds an Archiver, pre-compiling its naming pattern.
func New(dir, pattern, scriptStem string) (*Archiver, error) {
	compiled, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return &Archiver{Dir: dir, Pattern: pattern, ScriptStem: scriptStem, compiled: compiled}, nil
}

// MakeArchiveDir creates the archive directory if it does not exist.
func (a *Archiver) MakeArchiveDir() error {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return qerrors.Environmental("creating archive directory %q: %v", a.Dir, err)
	}
	return nil
}

// runtimeSuffixes lists the files a completed cycle leaves behind in the
// working directory, keyed to qconfig's suffix constants.
var runtimeSuffixes = []string{
	qconfig.InfoSuffix, qconfig.OutSuffix, qconfig.StdoutSuffix, qconfig.StderrSuffix,
}

// ToArchive moves the runtime files for ScriptStem out of workDir into
// Dir, renamed under cycle's numbered form.
func (a *Archiver) ToArchive(workDir string, cycle int) error {
	numbered := a.ScriptStem + Format(a.Pattern, cycle)
	for _, suffix := range runtimeSuffixes {
		src := filepath.Join(workDir, a.ScriptStem+suffix)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(a.Dir, numbered+suffix)
		if err := os.Rename(src, dst); err != nil {
			return qerrors.Transient(err, "archiving %q to %q", src, dst)
		}
	}
	return nil
}

// FromArchive copies cycle's archived artifacts from Dir into workDir,
// renamed back to ScriptStem+suffix so the script sees the filenames it
// expects.
func (a *Archiver) FromArchive(workDir string, cycle int) error {
	numbered := a.ScriptStem + Format(a.Pattern, cycle)
	for _, suffix := range runtimeSuffixes {
		src := filepath.Join(a.Dir, numbered+suffix)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(workDir, a.ScriptStem+suffix)
		if err := copyFile(src, dst); err != nil {
			return qerrors.Transient(err, "restoring %q to %q", src, dst)
		}
	}
	return nil
}

// ArchiveRuntimeFiles tidies leftover runtime files from a partial
// previous cycle: files in dir whose stem (with any runtime suffix
// stripped) matches previousStem get moved into the archive under
// previousCycle's numbered name.
func (a *Archiver) ArchiveRuntimeFiles(dir, previousStem string, previousCycle int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return qerrors.Transient(err, "listing %q", dir)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		suffix, ok := matchSuffix(name, runtimeSuffixes)
		if !ok {
			continue
		}
		stem := strings.TrimSuffix(name, suffix)
		if stem != previousStem {
			continue
		}

		numbered := previousStem + Format(a.Pattern, previousCycle)
		src := filepath.Join(dir, name)
		dst := filepath.Join(a.Dir, numbered+suffix)
		if err := os.Rename(src, dst); err != nil {
			return qerrors.Transient(err, "archiving stale %q to %q", src, dst)
		}
	}
	return nil
}

func matchSuffix(name string, suffixes []string) (string, bool) {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return s, true
		}
	}
	return "", false
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode())
}
