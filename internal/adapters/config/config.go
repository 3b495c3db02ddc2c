// Package config implements usecase.ConfigReader by reading files off disk.
// Parsing and schema validation live in internal/usecase/config.go; this
// adapter only isolates the raw filesystem access.
package config

import (
	"context"
	"os"
)

// Adapter implements usecase.ConfigReader using the os package.
type Adapter struct{}

// New creates a config reader adapter.
func New() *Adapter {
	return &Adapter{}
}

// ReadFile reads the raw bytes of the config file at path.
func (a *Adapter) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is supplied on the command line
}
