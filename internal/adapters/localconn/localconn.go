// Package localconn implements usecase.Connection against the local
// filesystem and process table: thin wrappers around os/exec and
// os/filepath, shaped to exactly what the backup driver needs (open, run,
// exist, mkdir, list, chmod, rename, copy-on-write detection, close).
package localconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/udifuchs/blue-backup/internal/usecase"
)

// btrfsSuperMagic is linux/magic.h's BTRFS_SUPER_MAGIC.
const btrfsSuperMagic = 0x9123683e

// Adapter is a usecase.Connection backed by the local machine.
type Adapter struct{}

// New returns a local Connection. The address argument Dial would otherwise
// take is unused: a local connection always points at "/".
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Open(_ context.Context, path string, mode usecase.OpenMode) (io.ReadWriteCloser, error) {
	var flag int
	switch mode {
	case usecase.OpenRead:
		flag = os.O_RDONLY
	case usecase.OpenWrite:
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case usecase.OpenAppend:
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, fmt.Errorf("File '%s' must be opened in binary mode", path)
	}
	f, err := os.OpenFile(path, flag, 0o644) // #nosec G304 - path is controlled by usecase
	if err != nil {
		return nil, translateNotFound(path, err)
	}
	return f, nil
}

// translateNotFound renders a local file-not-found error in the
// "[Errno 2] No such file or directory: '<path>'" form a local connection
// reports, matching the longer local wording (sshconn's remote counterpart
// is the shorter "[Errno 2] No such file").
func translateNotFound(path string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("[Errno 2] No such file or directory: '%s'", path)
	}
	return err
}

// Run executes argv as a local subprocess, capturing stdout/stderr
// separately and reporting the exit code rather than a non-nil error for
// any ordinary (non-zero) process exit, so the transfer driver can classify
// it itself.
func (a *Adapter) Run(ctx context.Context, argv []string) (usecase.RunResult, error) {
	if len(argv) == 0 {
		return usecase.RunResult{}, fmt.Errorf("localconn: empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := usecase.RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		result.ReturnCode = 0
		return result, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		result.ReturnCode = exitErr.ExitCode()
		return result, nil
	}
	return usecase.RunResult{}, fmt.Errorf("localconn: running %v: %w", argv, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (a *Adapter) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (a *Adapter) Mkdir(_ context.Context, path string) error {
	return os.MkdirAll(path, 0o755)
}

func (a *Adapter) Listdir(_ context.Context, path string) ([]usecase.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]usecase.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, usecase.DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (a *Adapter) Chmod(_ context.Context, path string, mode uint32) error {
	return os.Chmod(path, os.FileMode(mode))
}

func (a *Adapter) Rename(_ context.Context, src, dst string) error {
	return os.Rename(src, dst)
}

// IsCopyOnWriteFS reports whether path sits on a btrfs filesystem, which the
// Snapshot Builder uses to pick between a hard-link clone and a subvolume
// snapshot for the cheap copy.
func (a *Adapter) IsCopyOnWriteFS(_ context.Context, path string) (bool, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return false, err
	}
	return stat.Type == btrfsSuperMagic, nil
}

func (a *Adapter) Close() error { return nil }

var _ usecase.Connection = (*Adapter)(nil)

// CopyOnWriteClone performs a btrfs subvolume snapshot from reference into
// dst via the `btrfs` CLI.
func CopyOnWriteClone(ctx context.Context, conn usecase.Connection, reference, dst string) error {
	res, err := conn.Run(ctx, []string{"btrfs", "subvolume", "snapshot", reference, dst})
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("btrfs subvolume snapshot %s -> %s: exit %d: %s", reference, dst, res.ReturnCode, res.Stderr)
	}
	return nil
}

// HardLinkClone performs a `cp -al` hard-link clone from reference into dst,
// the ordinary-filesystem cheap copy.
func HardLinkClone(ctx context.Context, conn usecase.Connection, reference, dst string) error {
	res, err := conn.Run(ctx, []string{"cp", "-al", reference + "/.", dst})
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("cp -al %s -> %s: exit %d: %s", reference, dst, res.ReturnCode, res.Stderr)
	}
	return nil
}

// Copy dispatches to CopyOnWriteClone or HardLinkClone based on dst's
// filesystem, matching usecase.CopyFunc.
func Copy(ctx context.Context, conn usecase.Connection, reference, dst string) error {
	cow, err := conn.IsCopyOnWriteFS(ctx, filepath.Dir(dst))
	if err != nil {
		return err
	}
	if cow {
		return CopyOnWriteClone(ctx, conn, reference, dst)
	}
	return HardLinkClone(ctx, conn, reference, dst)
}
