// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package drpcengine

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"

	"storj.io/drpc"
	"storj.io/drpc/drpcconn"

	"github.com/quarry-storage/quarry/migration"
	"github.com/quarry-storage/quarry/transport"
)

const rpcMigrate = "/quarry.migration/migrate"

// wireFile is one file of a migrate request, read into memory on the
// source side and written out on the destination side. Streaming a
// FileSet this way (rather than chunked, per FileSet.ChunkSize) keeps
// the wire protocol to a single request/response pair; chunked
// transfer belongs to transfer/chunked's bulk path, not this
// one-shot control-plane transfer.
type wireFile struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

type migrateRequest struct {
	NewRoot  string            `json:"new_root"`
	Metadata map[string]string `json:"metadata"`
	Files    []wireFile        `json:"files"`
}

type migrateResponse struct {
	Rejected bool   `json:"rejected"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
}

// MigrationDirectory is a migration.Transport that dials peers over the
// same drpc wire the Engine uses for bulk and admin calls, collapsed to
// a single message since target file sets are small control-plane
// payloads rather than piece-sized data.
type MigrationDirectory struct{}

var _ migration.Transport = (*MigrationDirectory)(nil)

// NewMigrationDirectory returns a migration.Transport that dials
// whatever transport.Endpoint it is given directly; destProviderID is
// accepted for interface compatibility but not otherwise used, since
// this engine has no identity layer to verify it against.
func NewMigrationDirectory() *MigrationDirectory {
	return &MigrationDirectory{}
}

// Dial implements migration.Transport.
func (d *MigrationDirectory) Dial(ctx context.Context, endpoint transport.Endpoint, _ string) (migration.Client, error) {
	raw, err := new(net.Dialer).DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, transport.Error.Wrap(err)
	}
	return &client{conn: drpcconn.New(raw)}, nil
}

type client struct {
	conn *drpcconn.Conn
}

func (c *client) Close() error { return c.conn.Close() }

// Migrate implements migration.Client by reading every file named in
// fs under fs.Root into memory and sending them, with fs.Metadata and
// the destination root, in one migrateRequest.
func (c *client) Migrate(ctx context.Context, fs migration.FileSet, newRoot string, _ migration.Mode) error {
	files, err := readFileSet(fs)
	if err != nil {
		return err
	}

	req := migrateRequest{NewRoot: newRoot, Metadata: fs.Metadata, Files: files}
	var resp migrateResponse
	if err := c.conn.Invoke(ctx, rpcMigrate, jsonEnc, &req, &resp); err != nil {
		return Error.Wrap(err)
	}
	if resp.Rejected {
		return &migration.RejectError{Code: migration.RejectCode(resp.Code), Message: resp.Message}
	}
	return nil
}

func readFileSet(fs migration.FileSet) ([]wireFile, error) {
	var files []wireFile
	for _, entry := range fs.Entries {
		src := filepath.Join(fs.Root, entry.Path)
		if entry.Dir {
			sub, err := readDir(src, entry.Path)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		files = append(files, wireFile{Path: entry.Path, Data: data})
	}
	return files, nil
}

func readDir(src, relPrefix string) ([]wireFile, error) {
	var files []wireFile
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, wireFile{Path: filepath.Join(relPrefix, rel), Data: data})
		return nil
	})
	return files, Error.Wrap(err)
}

// handleMigrate implements the server side of the migrate RPC: validate
// via the local migration.Server, write files to disk, then finalize,
// rolling back on either hook's rejection.
func (e *Engine) handleMigrate(stream drpc.Stream) error {
	var req migrateRequest
	if err := stream.MsgRecv(&req, jsonEnc); err != nil {
		return err
	}
	if e.migrationServer == nil {
		return Error.New("this peer has no migration server configured")
	}

	validated, err := e.migrationServer.BeforeInstall(stream.Context(), req.Metadata)
	if err != nil {
		return stream.MsgSend(rejectResponse(err), jsonEnc)
	}

	if err := os.MkdirAll(req.NewRoot, 0o700); err != nil {
		return Error.Wrap(err)
	}
	relFiles, err := writeFiles(req.NewRoot, req.Files)
	if err != nil {
		_ = os.RemoveAll(req.NewRoot)
		return Error.Wrap(err)
	}

	if err := e.migrationServer.AfterInstall(stream.Context(), validated, req.NewRoot, relFiles); err != nil {
		_ = os.RemoveAll(req.NewRoot)
		return stream.MsgSend(rejectResponse(err), jsonEnc)
	}

	return stream.MsgSend(&migrateResponse{}, jsonEnc)
}

func writeFiles(root string, files []wireFile) ([]string, error) {
	rel := make([]string, 0, len(files))
	for _, f := range files {
		dst := filepath.Join(root, f.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(out, bytes.NewReader(f.Data))
		closeErr := out.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		rel = append(rel, f.Path)
	}
	return rel, nil
}

func rejectResponse(err error) *migrateResponse {
	if re, ok := err.(*migration.RejectError); ok {
		return &migrateResponse{Rejected: true, Code: int(re.Code), Message: re.Message}
	}
	return &migrateResponse{Rejected: true, Message: err.Error()}
}
