package usecase

import (
	"context"
	"io"
	"time"
)

// OpenMode enumerates the binary file modes a Connection accepts. Any other
// mode string is rejected before it reaches the underlying filesystem/SFTP
// call.
type OpenMode string

const (
	// OpenRead opens a file for reading.
	OpenRead OpenMode = "rb"
	// OpenWrite opens (truncating) a file for writing.
	OpenWrite OpenMode = "wb"
	// OpenAppend opens a file for appending.
	OpenAppend OpenMode = "ab"
)

func (m OpenMode) valid() bool {
	return m == OpenRead || m == OpenWrite || m == OpenAppend
}

// RunResult is the outcome of executing an external command through a
// Connection, local or remote.
type RunResult struct {
	Stdout     []byte
	Stderr     []byte
	ReturnCode int
}

// DirEntry is a single entry returned by Connection.Listdir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Connection is the uniform capability surface over one host, local or
// remote, that the rest of the engine consumes. A Connection is
// single-host: one Connection never spans two addresses. The remote variant
// establishes its SSH/SFTP session when it is dialed, not on first use.
type Connection interface {
	// Open opens path in the given binary mode. Any other mode fails with
	// "File '<path>' must be opened in binary mode" before any filesystem
	// call is attempted.
	Open(ctx context.Context, path string, mode OpenMode) (io.ReadWriteCloser, error)
	// Run executes argv on the connection's host and returns its result.
	// Run does not itself interpret the return code; callers classify it.
	Run(ctx context.Context, argv []string) (RunResult, error)
	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)
	// Mkdir creates path (and, like os.MkdirAll, any missing parents).
	Mkdir(ctx context.Context, path string) error
	// Listdir lists the immediate children of path.
	Listdir(ctx context.Context, path string) ([]DirEntry, error)
	// Chmod changes the permission bits of path.
	Chmod(ctx context.Context, path string, mode uint32) error
	// Rename atomically renames src to dst on the connection's host.
	Rename(ctx context.Context, src, dst string) error
	// IsCopyOnWriteFS reports whether path lives on a copy-on-write
	// filesystem (btrfs-like), selecting the cheap-copy strategy.
	IsCopyOnWriteFS(ctx context.Context, path string) (bool, error)
	// Close releases any resources (SSH session) held by the connection.
	Close() error
}

// Dialer opens a Connection to an address. The empty address dials a local
// connection; any other address dials the remote SSH/SFTP variant.
type Dialer interface {
	Dial(ctx context.Context, address string) (Connection, error)
}

// ConfigReader reads raw configuration bytes from disk. Parsing and
// validation are the Config Loader's job (internal/usecase/config.go); this
// port only isolates the filesystem access so it can be faked in tests.
type ConfigReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Lock is a scoped, non-blocking exclusive advisory lock on one file path.
type Lock interface {
	// TryAcquire attempts a non-blocking exclusive lock on path. On
	// contention it returns an error wrapping ErrLockBusy with the exact
	// message from the locking contract. The returned Handle must be
	// released on every exit path.
	TryAcquire(ctx context.Context, path string) (LockHandle, error)
}

// LockHandle releases a previously acquired lock.
type LockHandle interface {
	Release() error
}

// Clock supplies the current date, injected so tests can simulate the
// passage of days without patching a language built-in.
type Clock interface {
	Today() time.Time
}

// systemClock is the production Clock: always UTC, truncated to the day.
type systemClock struct{}

// NewSystemClock returns a Clock backed by the real wall clock (UTC).
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Dependencies bundles the ports the Orchestrator drives.
type Dependencies struct {
	ConfigReader ConfigReader
	Lock         Lock
	Dialer       Dialer
	Clock        Clock
}
