// Command blue-backup drives one incremental snapshot, offsite mirror, or
// collect run from a TOML configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/udifuchs/blue-backup/internal/adapters/config"
	"github.com/udifuchs/blue-backup/internal/adapters/dialer"
	"github.com/udifuchs/blue-backup/internal/adapters/lock"
	"github.com/udifuchs/blue-backup/internal/adapters/loghandler"
	"github.com/udifuchs/blue-backup/internal/usecase"
)

// Version is stamped at build time via -ldflags; "dev" is the fallback for
// a plain `go build`.
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts usecase.RunOptions
	var verbose bool

	cmd := &cobra.Command{
		Use:           "blue-backup [flags] <config-path>",
		Short:         "Incremental snapshot backup driver",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected exactly one config path argument", errUsage)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ConfigPath = args[0]
			return doRun(cmd.Context(), opts, verbose)
		},
	}
	cmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")
	cmd.Flags().BoolVar(&opts.FirstTime, "first-time", false, "this is the first backup to this target")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would happen without writing anything")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, cmd.UsageString())
		}
	}
	return exitCode(err)
}

func doRun(ctx context.Context, opts usecase.RunOptions, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := loghandler.NewHandler(os.Stderr, &loghandler.Options{Level: level, UseColor: isTerminal(os.Stderr)})
	slog.SetDefault(slog.New(handler))

	deps := usecase.Dependencies{
		ConfigReader: config.New(),
		Lock:         lock.New(),
		Dialer:       dialer.New(),
		Clock:        usecase.NewSystemClock(),
	}

	report, err := usecase.Run(ctx, deps, opts)
	for _, line := range report.Stdout {
		fmt.Println(line)
	}
	for _, line := range report.Stderr {
		fmt.Fprintln(os.Stderr, line)
	}
	if err != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: run cancelled", usecase.ErrInterrupted)
	}
	return err
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
