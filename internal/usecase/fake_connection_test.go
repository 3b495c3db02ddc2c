package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// fakeConnection is a minimal in-memory usecase.Connection used across this
// package's tests; it models directory existence and mkdir/rename bookkeeping
// without touching a real filesystem.
type fakeConnection struct {
	dirs        map[string]bool
	entries     map[string][]DirEntry
	files       map[string]*bytes.Buffer
	copyOnWrite bool
	runResult   RunResult
	runErr      error
	runCalls    [][]string
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{dirs: map[string]bool{}, entries: map[string][]DirEntry{}, files: map[string]*bytes.Buffer{}}
}

// fakeWriteCloser adapts a bytes.Buffer to io.WriteCloser for Open's return
// value; Close is a no-op since the fake keeps everything in memory.
type fakeWriteCloser struct{ *bytes.Buffer }

func (fakeWriteCloser) Close() error { return nil }

func (f *fakeConnection) Open(_ context.Context, path string, mode OpenMode) (io.ReadWriteCloser, error) {
	switch mode {
	case OpenWrite, OpenAppend:
		buf, ok := f.files[path]
		if !ok {
			buf = &bytes.Buffer{}
			f.files[path] = buf
		}
		return fakeWriteCloser{buf}, nil
	default:
		return nil, fmt.Errorf("not implemented in fake")
	}
}

func (f *fakeConnection) Run(ctx context.Context, argv []string) (RunResult, error) {
	f.runCalls = append(f.runCalls, argv)
	return f.runResult, f.runErr
}

func (f *fakeConnection) Exists(_ context.Context, path string) (bool, error) {
	return f.dirs[path], nil
}

func (f *fakeConnection) Mkdir(_ context.Context, path string) error {
	f.dirs[path] = true
	return nil
}

func (f *fakeConnection) Listdir(_ context.Context, path string) ([]DirEntry, error) {
	return f.entries[path], nil
}

func (f *fakeConnection) Chmod(context.Context, string, uint32) error {
	return nil
}

func (f *fakeConnection) Rename(_ context.Context, src, dst string) error {
	if !f.dirs[src] {
		return fmt.Errorf("rename: %s does not exist", src)
	}
	delete(f.dirs, src)
	f.dirs[dst] = true
	return nil
}

func (f *fakeConnection) IsCopyOnWriteFS(context.Context, string) (bool, error) {
	return f.copyOnWrite, nil
}

func (f *fakeConnection) Close() error {
	return nil
}

var _ Connection = (*fakeConnection)(nil)
