package usecase

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// LockFileName is the advisory lock's fixed name under the target root.
const LockFileName = ".blue-backup.lock"

// RunOptions captures the CLI flags the Orchestrator needs.
type RunOptions struct {
	ConfigPath string
	FirstTime  bool
	DryRun     bool
}

// RunReport accumulates the stdout/stderr lines a run produces, in order,
// so the CLI layer can print them and tests can assert on them without
// capturing real process output.
type RunReport struct {
	Stdout []string
	Stderr []string
}

func (r *RunReport) printf(format string, args ...interface{}) {
	r.Stdout = append(r.Stdout, fmt.Sprintf(format, args...))
}

func (r *RunReport) warnf(format string, args ...interface{}) {
	r.Stderr = append(r.Stderr, fmt.Sprintf(format, args...))
}

// Run drives one end-to-end invocation: load config, acquire the lock, open
// connections, dispatch by mode, and report the outcome. The returned error,
// when non-nil, has its message already formatted for stderr. Most failures
// wrap one of the sentinels in errors.go; errors from PrepareSnapshot's
// first-time checks and from opening the lock file carry no sentinel.
func Run(ctx context.Context, deps Dependencies, opts RunOptions) (*RunReport, error) {
	report := &RunReport{}

	cfg, err := LoadConfig(ctx, deps.ConfigReader, opts.ConfigPath, opts.FirstTime)
	if err != nil {
		return report, err
	}

	mode := cfg.Mode()
	targetRoot := rootDir(cfg.TargetLocation, mode)

	lockPath := path.Join(targetRoot.Local().Template(), LockFileName)
	handle, err := deps.Lock.TryAcquire(ctx, lockPath)
	if err != nil {
		return report, err
	}
	defer handle.Release()

	targetConn, err := deps.Dialer.Dial(ctx, cfg.TargetLocation.Address())
	if err != nil {
		return report, err
	}
	defer targetConn.Close()

	runner, err := deps.Dialer.Dial(ctx, "")
	if err != nil {
		return report, err
	}
	defer runner.Close()

	// Offsite mode mirrors the latest snapshot from the source tree (the
	// already-built dated history being mirrored off-site) to the
	// destination tree, which typically starts out empty. {LATEST} is
	// therefore resolved against the *source* endpoint's own history, dialed
	// separately when its address differs from the destination's.
	var sourceRoot Path
	sourceConn := targetConn
	if mode == ModeOffsite {
		sourceRoot = stripPlaceholderSuffix(cfg.Rules[0].Source, PlaceholderLatest)
		if sourceRoot.Address() != cfg.TargetLocation.Address() {
			sourceConn, err = deps.Dialer.Dial(ctx, sourceRoot.Address())
			if err != nil {
				return report, err
			}
			defer sourceConn.Close()
		}
	}

	today := deps.Clock.Today()

	switch mode {
	case ModeOffsite:
		err = runOffsiteMode(ctx, cfg, targetRoot, sourceRoot, targetConn, sourceConn, runner, opts, report)
	case ModeCollect:
		err = runCollectMode(ctx, cfg, targetConn, runner, opts, report)
	default:
		err = runSnapshotMode(ctx, cfg, targetRoot, targetConn, runner, opts, today, report)
	}
	return report, err
}

// rootDir strips the trailing "/{PLACEHOLDER}" segment from a snapshot or
// offsite target template, yielding the directory that holds the dated
// subdirectories, the lock file, and the log sidecars. Collect mode has no
// such segment: the configured location already is the root.
func rootDir(p Path, mode Mode) Path {
	switch mode {
	case ModeOffsite:
		return stripPlaceholderSuffix(p, PlaceholderLatest)
	case ModeSnapshot:
		return stripPlaceholderSuffix(p, PlaceholderToday)
	default:
		return p
	}
}

// stripPlaceholderSuffix strips a trailing "/{key}" segment from p's
// template, yielding the directory that holds p's dated subdirectories.
func stripPlaceholderSuffix(p Path, key string) Path {
	tmpl := strings.TrimSuffix(p.Template(), "/{"+key+"}")
	return Path{address: p.Address(), tmpl: tmpl}
}

// openLog opens the per-snapshot log sidecar for append. Doing this before
// touching any source tree doubles as a writability probe on the target.
func openLog(ctx context.Context, conn Connection, logPath string) (io.WriteCloser, error) {
	w, err := conn.Open(ctx, logPath, OpenAppend)
	if err != nil {
		return nil, fmt.Errorf("%w: Error writing to log '%s': %v", ErrIO, logPath, err)
	}
	return w, nil
}

// rsyncTimeoutSeconds reads the RSYNC_TIMEOUT environment variable, letting
// tests (and operators) override the transfer tool's --timeout without a
// config-file field, per §4.7/§5. An absent or malformed value falls back to
// BuildArgv's own DefaultRsyncTimeoutSeconds.
func rsyncTimeoutSeconds() int {
	v, ok := os.LookupEnv("RSYNC_TIMEOUT")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func transferRequestFor(rule SourceRule, cfg *Config, dest string, dryRun bool) TransferRequest {
	return TransferRequest{
		Source:             rule.Source.StrWithTrailingSlash(),
		Dest:               dest,
		GlobalExclude:      cfg.Exclude,
		RuleExclude:        rule.Exclude,
		GlobalRsyncOptions: cfg.RsyncOptions,
		RuleRsyncOptions:   rule.RsyncOptions,
		Chown:              rule.Chown,
		Chmod:              rule.Chmod,
		TimeoutSeconds:     rsyncTimeoutSeconds(),
		DryRun:             dryRun,
	}
}

func runSnapshotMode(
	ctx context.Context, cfg *Config, targetRoot Path, targetConn, runner Connection,
	opts RunOptions, today time.Time, report *RunReport,
) error {
	todayName := today.Format(DateLayout)
	resolved := cfg.TargetLocation.StrFormat(map[string]string{PlaceholderToday: todayName})
	report.printf("Backup target: %s", resolved.String())

	rootStr := targetRoot.Local().Template()
	entries, err := targetConn.Listdir(ctx, rootStr)
	if err != nil {
		return fmt.Errorf("%w: Error writing to target location '%s': %v", ErrIO, targetRoot.String(), err)
	}
	history, warnings := EnumerateHistory(entries, rootStr)
	for _, w := range warnings {
		report.warnf("%s", w)
	}

	cow, err := targetConn.IsCopyOnWriteFS(ctx, rootStr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	prep, err := PrepareSnapshot(ctx, targetConn, rootStr, today, history, opts.FirstTime, opts.DryRun, cow, DefaultCopyFunc)
	if err != nil {
		return err
	}
	for _, w := range prep.Warnings {
		report.warnf("%s", w)
	}

	if opts.DryRun {
		report.printf("Dry run: would write to %s", prep.FinalDir)
		return nil
	}

	logPath := path.Join(rootStr, todayName+".log")
	logWriter, err := openLog(ctx, targetConn, logPath)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	for _, rule := range cfg.Rules {
		dest := path.Join(prep.WorkDir, rule.SubTarget()) + "/"
		result, err := RunTransfer(ctx, runner, transferRequestFor(rule, cfg, dest, opts.DryRun), logWriter)
		if err != nil {
			return err
		}
		report.printf(
			"%s: %d/%d files, %d/%d bytes transferred",
			rule.Source.String(), result.Stats.TransferredFiles, result.Stats.TotalFiles,
			result.Stats.TransferredBytes, result.Stats.TotalBytes,
		)
	}

	if err := prep.Finalize(ctx, targetConn); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	updated := append([]HistoryEntry{}, history...)
	if _, already := Latest(history); !already || history[len(history)-1].Name != todayName {
		updated = append(updated, HistoryEntry{Name: todayName, Date: today})
	}
	plan := ComputeRetention(updated)
	report.printf("%s", plan.SummaryLine())
	for _, name := range plan.Prune {
		pruneDir := path.Join(rootStr, name)
		if err := prunePath(ctx, targetConn, pruneDir, cow); err != nil {
			report.warnf("Failed pruning %s: %v", pruneDir, err)
		}
	}
	return nil
}

func runOffsiteMode(
	ctx context.Context, cfg *Config, targetRoot, sourceRoot Path, targetConn, sourceConn, runner Connection,
	opts RunOptions, report *RunReport,
) error {
	sourceRootStr := sourceRoot.Local().Template()
	entries, err := sourceConn.Listdir(ctx, sourceRootStr)
	if err != nil {
		return fmt.Errorf("%w: Error reading source location '%s': %v", ErrIO, sourceRoot.String(), err)
	}
	history, warnings := EnumerateHistory(entries, sourceRootStr)
	for _, w := range warnings {
		report.warnf("%s", w)
	}
	latest, ok := Latest(history)
	if !ok {
		return fmt.Errorf("%w: No dated folders found in '%s'", ErrIO, sourceRootStr)
	}

	rootStr := targetRoot.Local().Template()
	resolvedTarget := path.Join(rootStr, latest.Name)
	report.printf("Backup target: %s", resolvedTarget)

	rule := cfg.Rules[0]
	sourceResolved := rule.Source.StrFormat(map[string]string{PlaceholderLatest: latest.Name})

	if opts.DryRun {
		report.printf("Dry run: would mirror %s to %s", sourceResolved.String(), resolvedTarget)
		return nil
	}

	if err := targetConn.Mkdir(ctx, resolvedTarget); err != nil {
		return fmt.Errorf("%w: Error writing to target location '%s': %v", ErrIO, resolvedTarget, err)
	}

	logWriter, err := openLog(ctx, targetConn, resolvedTarget+".log")
	if err != nil {
		return err
	}
	defer logWriter.Close()

	req := TransferRequest{
		Source:             sourceResolved.StrWithTrailingSlash(),
		Dest:               resolvedTarget + "/",
		GlobalExclude:      cfg.Exclude,
		RuleExclude:        rule.Exclude,
		GlobalRsyncOptions: cfg.RsyncOptions,
		RuleRsyncOptions:   rule.RsyncOptions,
		TimeoutSeconds:     rsyncTimeoutSeconds(),
		DryRun:             opts.DryRun,
	}
	result, err := RunTransfer(ctx, runner, req, logWriter)
	if err != nil {
		return err
	}
	report.printf(
		"%s: %d/%d files, %d/%d bytes transferred",
		sourceResolved.String(), result.Stats.TransferredFiles, result.Stats.TotalFiles,
		result.Stats.TransferredBytes, result.Stats.TotalBytes,
	)
	return nil
}

func runCollectMode(
	ctx context.Context, cfg *Config, targetConn, runner Connection,
	opts RunOptions, report *RunReport,
) error {
	for _, rule := range cfg.Rules {
		sub := rule.SubTarget()
		destDir := cfg.TargetLocation.Local().Join(sub).Template()

		if !opts.DryRun {
			if err := targetConn.Mkdir(ctx, destDir); err != nil {
				report.warnf("Errors in rsync from: %s to: %s", rule.Source.String(), sub)
				continue
			}
		}

		var logWriter io.WriteCloser
		if !opts.DryRun {
			w, err := openLog(ctx, targetConn, destDir+".log")
			if err != nil {
				report.warnf("%v", err)
				continue
			}
			logWriter = w
		}

		result, err := RunTransfer(ctx, runner, transferRequestFor(rule, cfg, destDir+"/", opts.DryRun), logWriter)
		if logWriter != nil {
			logWriter.Close()
		}
		if err != nil {
			report.warnf("Errors in rsync from: %s to: %s", rule.Source.String(), sub)
			continue
		}
		report.printf(
			"%s: %d/%d files, %d/%d bytes transferred",
			rule.Source.String(), result.Stats.TransferredFiles, result.Stats.TotalFiles,
			result.Stats.TransferredBytes, result.Stats.TotalBytes,
		)
	}
	return nil
}

// DefaultCopyFunc performs the cheap copy of the prior snapshot into a new
// working directory: a btrfs subvolume snapshot when the destination's
// parent is copy-on-write, a hard-link clone (`cp -al`) otherwise. It is the
// production usecase.CopyFunc wired into PrepareSnapshot by the Orchestrator.
func DefaultCopyFunc(ctx context.Context, conn Connection, reference, dst string) error {
	cow, err := conn.IsCopyOnWriteFS(ctx, path.Dir(dst))
	if err != nil {
		return err
	}
	var argv []string
	if cow {
		argv = []string{"btrfs", "subvolume", "snapshot", reference, dst}
	} else {
		argv = []string{"cp", "-al", reference + "/.", dst}
	}
	result, err := conn.Run(ctx, argv)
	if err != nil {
		return err
	}
	if result.ReturnCode != 0 {
		return fmt.Errorf("%w: %s", ErrIO, result.Stderr)
	}
	return nil
}

// prunePath removes one expired snapshot directory, using subvolume-aware
// deletion on a copy-on-write filesystem and plain recursive removal
// otherwise. Callers treat a failure here as a warning, never a run error.
func prunePath(ctx context.Context, conn Connection, dir string, cow bool) error {
	var argv []string
	if cow {
		argv = []string{"btrfs", "subvolume", "delete", dir}
	} else {
		argv = []string{"rm", "-rf", dir}
	}
	result, err := conn.Run(ctx, argv)
	if err != nil {
		return err
	}
	if result.ReturnCode != 0 {
		return fmt.Errorf("%s", result.Stderr)
	}
	return nil
}
