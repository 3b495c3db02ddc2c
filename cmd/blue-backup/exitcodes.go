package main

import "errors"

// errUsage marks a CLI argument-parsing failure (missing config path),
// the one failure mode that exits 2 rather than 1.
var errUsage = errors.New("usage error")

// exitCode maps a Run error to the process exit code described in the CLI
// contract: 0 success, 1 any run failure, 2 argument-parsing failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		return 1
	}
}
