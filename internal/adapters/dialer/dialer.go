// Package dialer implements usecase.Dialer by routing an empty address to a
// local Connection and any other address to an SSH/SFTP one, so the rest of
// the engine never has to know which transport a given host needs.
package dialer

import (
	"context"

	"github.com/udifuchs/blue-backup/internal/adapters/localconn"
	"github.com/udifuchs/blue-backup/internal/adapters/sshconn"
	"github.com/udifuchs/blue-backup/internal/usecase"
)

// Adapter is the production usecase.Dialer.
type Adapter struct {
	ssh *sshconn.Dialer
}

// New returns a Dialer using the default SSH authentication and known_hosts
// handling.
func New() *Adapter {
	return &Adapter{ssh: sshconn.NewDialer()}
}

// Dial returns a local Connection for the empty address, an SSH/SFTP one
// otherwise.
func (a *Adapter) Dial(ctx context.Context, address string) (usecase.Connection, error) {
	if address == "" {
		return localconn.New(), nil
	}
	return a.ssh.Dial(ctx, address)
}

var _ usecase.Dialer = (*Adapter)(nil)
