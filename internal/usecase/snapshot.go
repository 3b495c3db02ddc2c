package usecase

import (
	"context"
	"fmt"
	"path"
	"time"
)

// TmpSuffix is the suffix a snapshot directory under construction carries
// until its transfers all succeed.
const TmpSuffix = ".tmp"

// SnapshotPrep describes where the transfer driver should write today's
// files and what the Orchestrator must do once every transfer succeeds.
type SnapshotPrep struct {
	// WorkDir is the directory the transfer driver writes into.
	WorkDir string
	// FinalDir is targetRoot/today.
	FinalDir string
	// NeedsRename is true when WorkDir must be renamed to FinalDir on
	// success (false when WorkDir already *is* FinalDir, a same-day retry).
	NeedsRename bool
	// Reference is the prior snapshot the cheap copy seeded WorkDir from,
	// if any (nil for --first-time runs).
	Reference *HistoryEntry
	Warnings  []string
}

// CopyFunc performs the cheap-copy from a reference snapshot into a fresh
// work directory: a hard-link clone (`cp -al` semantics) on an ordinary
// filesystem, or a subvolume snapshot on a copy-on-write one. It is invoked
// once, only when no `.tmp`/today directory already exists to reuse.
type CopyFunc func(ctx context.Context, conn Connection, reference, dst string) error

// PrepareSnapshot drives the Start/Copy/Ready state machine for a single
// snapshot directory.
//
// hasHistory reflects whether ANY valid dated snapshot already exists under
// the target root (including today's own, if this is a same-day retry) —
// this gates --first-time, independent of whether a *reference* (a prior
// day strictly before today) exists for the cheap copy.
func PrepareSnapshot(
	ctx context.Context,
	conn Connection,
	targetRoot string,
	today time.Time,
	history []HistoryEntry,
	firstTime bool,
	dryRun bool,
	copyOnWrite bool,
	copyFn CopyFunc,
) (*SnapshotPrep, error) {
	todayName := today.Format(DateLayout)
	finalDir := path.Join(targetRoot, todayName)
	tmpDir := finalDir + TmpSuffix

	hasHistory := len(history) > 0
	if !hasHistory && !firstTime {
		return nil, fmt.Errorf(
			"This is the first time you are backing up to this folder, specify --first-time",
		)
	}
	if hasHistory && firstTime {
		return nil, fmt.Errorf(
			"This is not the first time you are backing up to this folder, remove --first-time",
		)
	}

	reference, hasReference := SelectReference(history, today)

	if dryRun {
		exists, err := conn.Exists(ctx, targetRoot)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("target location does not exist")
		}
		prep := &SnapshotPrep{WorkDir: tmpDir, FinalDir: finalDir, NeedsRename: true}
		if hasReference {
			prep.Reference = &reference
		}
		return prep, nil
	}

	todayExists, err := conn.Exists(ctx, finalDir)
	if err != nil {
		return nil, err
	}
	if todayExists {
		return &SnapshotPrep{WorkDir: finalDir, FinalDir: finalDir, NeedsRename: false}, nil
	}

	prep := &SnapshotPrep{WorkDir: tmpDir, FinalDir: finalDir, NeedsRename: true}

	tmpExists, err := conn.Exists(ctx, tmpDir)
	if err != nil {
		return nil, err
	}
	if tmpExists {
		prep.Warnings = append(prep.Warnings, fmt.Sprintf(
			"reusing existing %s from a previous incomplete run", tmpDir,
		))
		if hasReference {
			prep.Reference = &reference
		}
		return prep, nil
	}

	if err := conn.Mkdir(ctx, tmpDir); err != nil {
		return nil, err
	}
	if hasReference {
		if err := copyFn(ctx, conn, path.Join(targetRoot, reference.Name), tmpDir); err != nil {
			return nil, err
		}
		prep.Reference = &reference
	}
	return prep, nil
}

// Finalize renames WorkDir to FinalDir once every transfer for this run has
// succeeded. A same-day retry (NeedsRename false) is already at FinalDir and
// this is a no-op.
func (p *SnapshotPrep) Finalize(ctx context.Context, conn Connection) error {
	if !p.NeedsRename {
		return nil
	}
	return conn.Rename(ctx, p.WorkDir, p.FinalDir)
}
