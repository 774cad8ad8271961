// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package localengine implements an in-process transport.Engine and
// migration.Transport standing in for a real deployment: Providers that
// share one Directory exercise the migration protocol, and an Engine
// with registered bulk buffers exercises the bulk data path, without a
// network.
package localengine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarry-storage/quarry/migration"
	"github.com/quarry-storage/quarry/transport"
)

// Endpoint is a bare address string resolved by Engine.LookupEndpoint.
type Endpoint string

// String implements transport.Endpoint.
func (e Endpoint) String() string { return string(e) }

// Engine is an in-process transport.Engine. Bulk buffers are registered
// directly against it by test code (or a local RPC frontend standing in
// for registered memory) and addressed by transport.BulkHandle.
type Engine struct {
	mu   sync.Mutex
	bulk map[string][]byte
}

var _ transport.Engine = (*Engine)(nil)

// New returns an empty Engine.
func New() *Engine {
	return &Engine{bulk: map[string][]byte{}}
}

// RegisterBulk exposes buf as the bulk buffer named by handle. Passing
// the same handle twice replaces the previous registration.
func (e *Engine) RegisterBulk(handle transport.BulkHandle, buf []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bulk[string(handle)] = buf
}

func (e *Engine) getBulk(handle transport.BulkHandle) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.bulk[string(handle)]
	return buf, ok
}

// LookupEndpoint implements transport.Engine. An empty hint resolves to
// the local process itself; any other hint is returned verbatim as the
// address other Engine methods and the Directory expect.
func (e *Engine) LookupEndpoint(_ context.Context, hint string) (transport.Endpoint, error) {
	if hint == "" {
		hint = "local"
	}
	return Endpoint(hint), nil
}

// Pull implements transport.Engine.
func (e *Engine) Pull(_ context.Context, _ transport.Endpoint, bulk transport.BulkHandle, bulkOffset, length uint64) ([]byte, error) {
	buf, ok := e.getBulk(bulk)
	if !ok {
		return nil, transport.Error.New("unregistered bulk handle")
	}
	if uint64(len(buf)) < bulkOffset+length {
		return nil, transport.ErrShortBulkBuffer
	}
	out := make([]byte, length)
	copy(out, buf[bulkOffset:bulkOffset+length])
	return out, nil
}

// Push implements transport.Engine.
func (e *Engine) Push(_ context.Context, _ transport.Endpoint, bulk transport.BulkHandle, bulkOffset uint64, payload []byte) error {
	buf, ok := e.getBulk(bulk)
	if !ok {
		return transport.Error.New("unregistered bulk handle")
	}
	if uint64(len(buf)) < bulkOffset+uint64(len(payload)) {
		return transport.ErrShortBulkBuffer
	}
	copy(buf[bulkOffset:], payload)
	return nil
}

// Directory is an in-process migration.Transport: a table of migration
// servers reachable by the same address strings Engine.LookupEndpoint
// resolves. It stands in for dialing a peer's migration service over
// the network.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*migration.Server
}

var _ migration.Transport = (*Directory)(nil)

// NewDirectory returns an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{peers: map[string]*migration.Server{}}
}

// Register makes server reachable at address.
func (d *Directory) Register(address string, server *migration.Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[address] = server
}

// Dial implements migration.Transport.
func (d *Directory) Dial(_ context.Context, endpoint transport.Endpoint, _ string) (migration.Client, error) {
	d.mu.RLock()
	server, ok := d.peers[endpoint.String()]
	d.mu.RUnlock()
	if !ok {
		return nil, transport.Error.New("no migration service registered at %q", endpoint.String())
	}
	return &localClient{server: server}, nil
}

type localClient struct {
	server *migration.Server
}

func (c *localClient) Close() error { return nil }

// Migrate copies fs's files from fs.Root to newRoot on the local
// filesystem — a stand-in for the network stream a real transport would
// perform — then runs the peer's before/after install hooks around it,
// rolling back the copied files if either hook rejects.
func (c *localClient) Migrate(ctx context.Context, fs migration.FileSet, newRoot string, _ migration.Mode) error {
	validated, err := c.server.BeforeInstall(ctx, fs.Metadata)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(newRoot, 0o700); err != nil {
		return transport.Error.Wrap(err)
	}
	relFiles, err := copyFileSet(fs, newRoot)
	if err != nil {
		_ = os.RemoveAll(newRoot)
		return transport.Error.Wrap(err)
	}

	if err := c.server.AfterInstall(ctx, validated, newRoot, relFiles); err != nil {
		_ = os.RemoveAll(newRoot)
		return err
	}
	return nil
}

func copyFileSet(fs migration.FileSet, newRoot string) ([]string, error) {
	var relFiles []string
	for _, entry := range fs.Entries {
		src := filepath.Join(fs.Root, entry.Path)
		dst := filepath.Join(newRoot, entry.Path)
		if entry.Dir {
			paths, err := copyDir(src, dst, entry.Path)
			if err != nil {
				return nil, err
			}
			relFiles = append(relFiles, paths...)
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		relFiles = append(relFiles, entry.Path)
	}
	return relFiles, nil
}

func copyDir(src, dst, relPrefix string) ([]string, error) {
	var relFiles []string
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		relPath := filepath.Join(relPrefix, rel)
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		relFiles = append(relFiles, relPath)
		return nil
	})
	return relFiles, err
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
