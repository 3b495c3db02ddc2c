// Package sshconn implements usecase.Connection and usecase.Dialer over
// SSH/SFTP, the remote counterpart of localconn. Authentication and host-key
// checking follow tphakala/birdnet-go's SFTP target (a private key file,
// then a password prompt via golang.org/x/term), and command execution
// follows tinyzimmer/btrsync's SSH subvolume manager (one session per Run,
// separate stdout/stderr buffers, exit code taken from ssh.ExitError).
package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/udifuchs/blue-backup/internal/usecase"
)

// PasswordPrompter asks the user for a password, returning the raw prompt
// string exactly as shown (so it can be asserted on in tests).
type PasswordPrompter func(prompt string) (string, error)

// Dialer opens Adapters over SSH. KnownHostsFile defaults to
// ~/.ssh/known_hosts when empty. Prompt defaults to a term.ReadPassword
// prompt against the controlling terminal.
type Dialer struct {
	KnownHostsFile string
	Prompt         PasswordPrompter
}

// NewDialer returns a Dialer using the default known_hosts location and
// terminal password prompt.
func NewDialer() *Dialer {
	return &Dialer{Prompt: promptTerminal}
}

// Dial parses "user@host" or "host" (defaulting to the current OS user),
// connects over SSH using an available private key file first and a
// password prompt as fallback, and returns a Connection backed by an SFTP
// session over the same transport.
func (d *Dialer) Dial(ctx context.Context, address string) (usecase.Connection, error) {
	host, username := address, ""
	for i := 0; i < len(address); i++ {
		if address[i] == '@' {
			username, host = address[:i], address[i+1:]
			break
		}
	}
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	knownHostsFile := d.KnownHostsFile
	if knownHostsFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	hostKeyCallback, err := knownHostsCallback(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: Failed connecting to %s: %v", usecase.ErrConnection, host, err)
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: hostKeyCallback,
		Auth:            authMethods(d.prompt(), username, host),
	}

	conn, err := net.Dial("tcp", withDefaultPort(host))
	if err != nil {
		return nil, connectError(host, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, host, config)
	if err != nil {
		_ = conn.Close()
		return nil, connectError(host, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, connectError(host, err)
	}

	return &Adapter{host: host, client: client, sftp: sftpClient}, nil
}

func (d *Dialer) prompt() PasswordPrompter {
	if d.Prompt != nil {
		return d.Prompt
	}
	return promptTerminal
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

// connectError renders a dial/handshake failure in the
// "Failed connecting to <host>: <reason>" shape, translating the common
// DNS-resolution and authentication failures into their original-language
// wording so the run's output stays identical across the remote transport
// change.
func connectError(host string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf(
			"%w: Failed connecting to %s: [Errno -2] Name or service not known",
			usecase.ErrConnection, host,
		)
	}
	if isAuthFailure(err) {
		return fmt.Errorf("%w: Failed connecting to %s: Authentication failed.", usecase.ErrConnection, host)
	}
	return fmt.Errorf("%w: Failed connecting to %s: %v", usecase.ErrConnection, host, err)
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return indexOf(msg, "unable to authenticate") >= 0 || indexOf(msg, "no supported methods remain") >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// authMethods tries the default private key files (~/.ssh/id_ed25519, then
// ~/.ssh/id_rsa) and finally a prompted password. An SSH agent is not
// consulted.
func authMethods(prompt PasswordPrompter, username, host string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if signer, ok := defaultKeySigner(); ok {
		methods = append(methods, ssh.PublicKeys(signer))
	}
	methods = append(methods, ssh.PasswordCallback(func() (string, error) {
		return promptPassword(prompt, username, host)
	}))
	return methods
}

func defaultKeySigner() (ssh.Signer, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, false
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		return signer, true
	}
	return nil, false
}

func promptPassword(prompt PasswordPrompter, username, host string) (string, error) {
	text := fmt.Sprintf("%s@%s's password: ", username, host)
	return prompt(text)
}

// stdinClosed and isTerminal are test seams standing in for the stdin-fd
// checks a production run performs; overridden in sshconn_test.go to
// reproduce the two distinct non-interactive failures without a real tty.
var (
	stdinClosed = func() bool { return os.Stdin == nil }
	isTerminal  = func(fd int) bool { return term.IsTerminal(fd) }
)

// promptTerminal is the production PasswordPrompter: it reads a password
// from the controlling terminal, and fails with the exact messages the
// run reports when stdin isn't a terminal or is closed entirely.
func promptTerminal(prompt string) (string, error) {
	if stdinClosed() {
		return "", fmt.Errorf("No input. Cannot get password.")
	}
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return "", fmt.Errorf("No terminal. Cannot get password.")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func knownHostsCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(knownHostsFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(knownHostsFile), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(knownHostsFile, []byte{}, 0o600); err != nil {
			return nil, err
		}
	}
	return knownhosts.New(knownHostsFile)
}

// Adapter is a usecase.Connection backed by one SSH connection and its
// accompanying SFTP session.
type Adapter struct {
	host   string
	client *ssh.Client
	sftp   *sftp.Client
}

func (a *Adapter) Open(_ context.Context, path string, mode usecase.OpenMode) (io.ReadWriteCloser, error) {
	switch mode {
	case usecase.OpenRead:
		f, err := a.sftp.Open(path)
		if err != nil {
			return nil, translateNotFound(err)
		}
		return f, nil
	case usecase.OpenWrite:
		return a.sftp.Create(path)
	case usecase.OpenAppend:
		return a.sftp.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
	default:
		return nil, fmt.Errorf("File '%s' must be opened in binary mode", path)
	}
}

// translateNotFound renders a remote file-not-found error as the
// abbreviated "[Errno 2] No such file" form a remote connection produces.
func translateNotFound(err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("[Errno 2] No such file")
	}
	return err
}

func (a *Adapter) Run(ctx context.Context, argv []string) (usecase.RunResult, error) {
	if len(argv) == 0 {
		return usecase.RunResult{}, fmt.Errorf("sshconn: empty argv")
	}
	session, err := a.client.NewSession()
	if err != nil {
		return usecase.RunResult{}, fmt.Errorf("%w: %v", usecase.ErrConnection, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(shellJoin(argv)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return usecase.RunResult{}, ctx.Err()
	case err := <-done:
		result := usecase.RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			result.ReturnCode = 0
		case errors.As(err, &exitErr):
			result.ReturnCode = exitErr.ExitStatus()
		default:
			return usecase.RunResult{}, fmt.Errorf("%w: running %v: %v", usecase.ErrConnection, argv, err)
		}
		return result, nil
	}
}

func shellJoin(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += shellQuote(a)
	}
	return out
}

func shellQuote(s string) string {
	simple := true
	for _, r := range s {
		if !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			simple = false
			break
		}
	}
	if simple && s != "" {
		return s
	}
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += `'\''`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}

func (a *Adapter) Exists(_ context.Context, path string) (bool, error) {
	_, err := a.sftp.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (a *Adapter) Mkdir(_ context.Context, path string) error {
	return a.sftp.MkdirAll(path)
}

func (a *Adapter) Listdir(_ context.Context, path string) ([]usecase.DirEntry, error) {
	entries, err := a.sftp.ReadDir(path)
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
	return a.sftp.Chmod(path, os.FileMode(mode))
}

func (a *Adapter) Rename(_ context.Context, src, dst string) error {
	return a.sftp.Rename(src, dst)
}

// IsCopyOnWriteFS shells out to `stat -f -c %T` on the remote host since
// SFTP has no statfs equivalent.
func (a *Adapter) IsCopyOnWriteFS(ctx context.Context, path string) (bool, error) {
	result, err := a.Run(ctx, []string{"stat", "-f", "-c", "%T", path})
	if err != nil {
		return false, err
	}
	if result.ReturnCode != 0 {
		return false, nil
	}
	return bytes.Contains(bytes.ToLower(result.Stdout), []byte("btrfs")), nil
}

func (a *Adapter) Close() error {
	sftpErr := a.sftp.Close()
	clientErr := a.client.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return clientErr
}

var (
	_ usecase.Connection = (*Adapter)(nil)
	_ usecase.Dialer     = (*Dialer)(nil)
)
