// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotefs abstracts the filesystem operations qq needs to run
// against a job's input machine: reading and writing single files,
// listing and creating directories, moving files, and syncing whole
// directory trees. The default implementation shells out to ssh/rsync,
// exactly as the reference implementation does; a LocalFS shortcut skips
// the network round-trip when the caller already knows source and
// destination share a host.
package remotefs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/qqbatch/qq/pkg/logging"
	"github.com/qqbatch/qq/pkg/qconfig"
	"github.com/qqbatch/qq/pkg/qerrors"
)

// FS is the set of remote filesystem primitives batch backends and the
// Runner/Submitter use to move job data between the input machine and a
// compute node's scratch directory.
type FS interface {
	ReadFile(ctx context.Context, host, path string) ([]byte, error)
	WriteFile(ctx context.Context, host, path string, data []byte) error
	MakeDir(ctx context.Context, host, path string) error
	ListDir(ctx context.Context, host, path string) ([]string, error)
	MoveFiles(ctx context.Context, host string, from, to []string) error
	IsShared(path string) bool

	SyncExcluding(ctx context.Context, srcDir, destDir string, srcHost, destHost *string, exclude []string) error
	SyncIncluding(ctx context.Context, srcDir, destDir string, srcHost, destHost *string, include []string) error
}

// SSHRsyncFS is the default FS, shelling out to ssh/rsync/mv/ls the same
// way the reference batch interface does.
type SSHRsyncFS struct {
	Config *qconfig.Config
	Logger logging.Logger
}

// New builds an SSHRsyncFS using the current default config and logger.
func New(logger logging.Logger) *SSHRsyncFS {
	return &SSHRsyncFS{Config: qconfig.Default(), Logger: logger}
}

func (fs *SSHRsyncFS) sshArgs(host string) []string {
	return []string{
		"ssh",
		"-o", "PasswordAuthentication=no",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(fs.Config.SSHTimeout.Seconds())),
		"-q",
		host,
	}
}

func (fs *SSHRsyncFS) runSSH(ctx context.Context, host string, remoteCmd string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fs.Config.SSHTimeout)
	defer cancel()

	args := append(fs.sshArgs(host), remoteCmd)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if stdin != nil {
		cmd.Stdin = strings.NewReader(string(stdin))
	}

	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, qerrors.Transient(ctx.Err(), "ssh to %q timed out", host)
	}
	if err != nil {
		return out, qerrors.Communication(err, "ssh command on %q failed: %s", host, stderrOf(err))
	}
	return out, nil
}

func stderrOf(err error) string {
	if ee, ok := err.(*exec.ExitError); ok {
		return strings.TrimSpace(string(ee.Stderr))
	}
	return err.Error()
}

// ReadFile reads a remote file's contents over ssh (`cat <file>`).
func (fs *SSHRsyncFS) ReadFile(ctx context.Context, host, path string) ([]byte, error) {
	return fs.runSSH(ctx, host, fmt.Sprintf("cat %s", shellQuote(path)), nil)
}

// WriteFile writes content to a remote file over ssh (`cat > <file>`),
// overwriting any existing content.
func (fs *SSHRsyncFS) WriteFile(ctx context.Context, host, path string, data []byte) error {
	_, err := fs.runSSH(ctx, host, fmt.Sprintf("cat > %s", shellQuote(path)), data)
	return err
}

// MakeDir creates a directory on a remote host, tolerating it already
// existing.
func (fs *SSHRsyncFS) MakeDir(ctx context.Context, host, path string) error {
	q := shellQuote(path)
	_, err := fs.runSSH(ctx, host, fmt.Sprintf("mkdir %s 2>/dev/null || [ -d %s ]", q, q), nil)
	return err
}

// ListDir lists the entries of a remote directory, dotfiles included
// ("ls -A"), returned as absolute paths.
func (fs *SSHRsyncFS) ListDir(ctx context.Context, host, path string) ([]string, error) {
	out, err := fs.runSSH(ctx, host, fmt.Sprintf("ls -A %s", shellQuote(path)), nil)
	if err != nil {
		return nil, err
	}

	var entries []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, filepath.Join(path, line))
	}
	return entries, nil
}

// MoveFiles renames each from[i] to to[i] on host in a single ssh
// round-trip, joined with "&&".
func (fs *SSHRsyncFS) MoveFiles(ctx context.Context, host string, from, to []string) error {
	if len(from) != len(to) {
		return qerrors.FatalInternal("MoveFiles: from and to must have the same length (%d != %d)", len(from), len(to))
	}

	var parts []string
	for i := range from {
		parts = append(parts, fmt.Sprintf("mv %s %s", shellQuote(from[i]), shellQuote(to[i])))
	}

	_, err := fs.runSSH(ctx, host, strings.Join(parts, " && "), nil)
	return err
}

// IsShared reports whether path resides on a networked filesystem,
// using "df -l" the way the reference batch interface does: df -l
// succeeds (exit 0) only for local filesystems.
func (fs *SSHRsyncFS) IsShared(path string) bool {
	cmd := exec.Command("df", "-l", path)
	return cmd.Run() != nil
}

func hostPrefix(dir string, host *string) string {
	if host != nil {
		return *host + ":" + dir
	}
	return dir
}

// SyncExcluding rsyncs srcDir to destDir, excluding the named relative
// paths. Files are never removed from the destination.
func (fs *SSHRsyncFS) SyncExcluding(ctx context.Context, srcDir, destDir string, srcHost, destHost *string, exclude []string) error {
	args := []string{"-a"}
	for _, f := range exclude {
		args = append(args, "--exclude", f)
	}
	return fs.runRsync(ctx, srcDir, destDir, srcHost, destHost, args)
}

// SyncIncluding rsyncs only the named relative paths from srcDir to
// destDir. Files are never removed from the destination.
func (fs *SSHRsyncFS) SyncIncluding(ctx context.Context, srcDir, destDir string, srcHost, destHost *string, include []string) error {
	args := []string{"-a"}
	for _, f := range include {
		args = append(args, "--include", f)
	}
	args = append(args, "--exclude", "*")
	return fs.runRsync(ctx, srcDir, destDir, srcHost, destHost, args)
}

func (fs *SSHRsyncFS) runRsync(ctx context.Context, srcDir, destDir string, srcHost, destHost *string, extraArgs []string) error {
	src := hostPrefix(srcDir, srcHost) + "/"
	dest := hostPrefix(destDir, destHost)

	args := append([]string{}, extraArgs...)
	args = append(args, src, dest)

	ctx, cancel := context.WithTimeout(ctx, fs.Config.RsyncTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "rsync", args...)
	fs.Logger.Debug("running rsync", "args", args)

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return qerrors.Transient(ctx.Err(), "rsync between %q and %q timed out", src, dest)
	}
	if err != nil {
		return qerrors.Communication(err, "rsync between %q and %q failed: %s", src, dest, strings.TrimSpace(string(out)))
	}
	return nil
}

func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// LocalFS implements FS on the local filesystem for the shared-filesystem
// case (the input machine and the compute node share storage), with no
// ssh calls; its syncs run a local rsync and IsShared runs df.
type LocalFS struct{}

func (LocalFS) ReadFile(_ context.Context, _ string, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.Communication(err, "reading local file %q", path)
	}
	return data, nil
}

func (LocalFS) WriteFile(_ context.Context, _ string, path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return qerrors.Communication(err, "writing local file %q", path)
	}
	return nil
}

func (LocalFS) MakeDir(_ context.Context, _ string, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return qerrors.Communication(err, "creating local directory %q", path)
	}
	return nil
}

func (LocalFS) ListDir(_ context.Context, _ string, path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, qerrors.Communication(err, "listing local directory %q", path)
	}
	var names []string
	for _, e := range entries {
		names = append(names, filepath.Join(path, e.Name()))
	}
	return names, nil
}

func (LocalFS) MoveFiles(_ context.Context, _ string, from, to []string) error {
	if len(from) != len(to) {
		return qerrors.FatalInternal("MoveFiles: from and to must have the same length (%d != %d)", len(from), len(to))
	}
	for i := range from {
		if err := os.Rename(from[i], to[i]); err != nil {
			return qerrors.Communication(err, "moving %q to %q", from[i], to[i])
		}
	}
	return nil
}

func (LocalFS) IsShared(path string) bool {
	cmd := exec.Command("df", "-l", path)
	return cmd.Run() != nil
}

func (LocalFS) SyncExcluding(ctx context.Context, srcDir, destDir string, _, _ *string, exclude []string) error {
	return localRsync(ctx, srcDir, destDir, append([]string{"-a"}, excludeArgs(exclude)...))
}

func (LocalFS) SyncIncluding(ctx context.Context, srcDir, destDir string, _, _ *string, include []string) error {
	args := append([]string{"-a"}, includeArgs(include)...)
	args = append(args, "--exclude", "*")
	return localRsync(ctx, srcDir, destDir, args)
}

func excludeArgs(paths []string) []string {
	var args []string
	for _, p := range paths {
		args = append(args, "--exclude", p)
	}
	return args
}

func includeArgs(paths []string) []string {
	var args []string
	for _, p := range paths {
		args = append(args, "--include", p)
	}
	return args
}

func localRsync(ctx context.Context, srcDir, destDir string, args []string) error {
	args = append(args, srcDir+"/", destDir)
	cmd := exec.CommandContext(ctx, "rsync", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return qerrors.Communication(err, "local rsync between %q and %q failed: %s", srcDir, destDir, strings.TrimSpace(string(out)))
	}
	return nil
}
