package usecase

import "errors"

// Sentinel errors classify a run's failure for exit-code mapping at the CLI
// layer (errors.Is against the wrapped chain).
var (
	// ErrUsage marks an argument-parsing failure (missing config path).
	ErrUsage = errors.New("usage error")
	// ErrConfig marks a configuration schema or semantics failure.
	ErrConfig = errors.New("configuration error")
	// ErrConnection marks a connection (SSH/SFTP, name resolution) failure.
	ErrConnection = errors.New("connection error")
	// ErrLockBusy marks a failure to acquire the run lock.
	ErrLockBusy = errors.New("lock busy")
	// ErrIO marks a pre-transfer I/O failure (target/log not writable).
	ErrIO = errors.New("io error")
	// ErrTransfer marks a fatal transfer-tool failure in snapshot mode.
	ErrTransfer = errors.New("transfer error")
	// ErrInterrupted marks a run cancelled by SIGINT/SIGTERM.
	ErrInterrupted = errors.New("interrupted")
)
