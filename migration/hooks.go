// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package migration

import (
	"context"
	"encoding/json"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/backend"
	"github.com/quarry-storage/quarry/registry"
	"github.com/quarry-storage/quarry/uuidkit"
)

// RejectCode distinguishes why a migration install was rejected, so the
// source can log a specific reason rather than a generic failure.
type RejectCode int

// Reject codes for the before/after install hooks, in the order the
// install path checks them.
const (
	RejectMissingMetadata RejectCode = iota + 1
	RejectMalformedJSON
	RejectUnknownTransferManager
	RejectDuplicateUUID
	RejectSchemaInvalid
	RejectRecoverFailed
)

// RejectError is returned by Server.BeforeInstall and Server.AfterInstall.
type RejectError struct {
	Code    RejectCode
	Message string
}

func (e *RejectError) Error() string { return e.Message }

func reject(code RejectCode, format string, args ...interface{}) error {
	return &RejectError{Code: code, Message: Error.New(format, args...).Error()}
}

// Validated is the outcome of BeforeInstall, carried forward to
// AfterInstall so the two hooks agree on what was checked, without
// re-deriving it from raw metadata twice.
type Validated struct {
	ID           uuidkit.UUID
	Type         string
	Config       json.RawMessage
	TransferName string
}

// Server is the receiver side of the migration protocol: it validates
// an incoming target against the local provider's registries and, once
// the peer has installed the files, reconstitutes and registers it.
type Server struct {
	log              *zap.Logger
	targets          *registry.Targets
	transferManagers *registry.TransferManagers
}

// NewServer returns a migration receiver bound to the given provider
// state.
func NewServer(log *zap.Logger, targets *registry.Targets, transferManagers *registry.TransferManagers) *Server {
	return &Server{log: log, targets: targets, transferManagers: transferManagers}
}

func mergeJSON(base, override json.RawMessage) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	if len(override) > 0 {
		var extra map[string]interface{}
		if err := json.Unmarshal(override, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			merged[k] = v
		}
	}
	return merged, nil
}

// BeforeInstall runs before any files are written. It must be, and is,
// side-effect free: it only reads metadata and consults the registries.
func (s *Server) BeforeInstall(_ context.Context, metadata map[string]string) (*Validated, error) {
	for _, key := range []string{"uuid", "type", "config", "migration_config"} {
		if _, ok := metadata[key]; !ok {
			return nil, reject(RejectMissingMetadata, "migration metadata missing %q", key)
		}
	}

	id, err := uuidkit.Parse(metadata["uuid"])
	if err != nil {
		return nil, reject(RejectMalformedJSON, "malformed uuid: %v", err)
	}

	merged, err := mergeJSON(json.RawMessage(metadata["config"]), json.RawMessage(metadata["migration_config"]))
	if err != nil {
		return nil, reject(RejectMalformedJSON, "malformed migration config: %v", err)
	}

	transferName := registry.DefaultTransferManagerName
	if v, ok := merged["transfer_manager"]; ok {
		name, ok := v.(string)
		if !ok {
			return nil, reject(RejectMalformedJSON, "transfer_manager must be a string")
		}
		transferName = name
	}
	if _, ok := s.transferManagers.Lookup(transferName); !ok {
		return nil, reject(RejectUnknownTransferManager, "unknown transfer manager %q", transferName)
	}

	if s.targets.Contains(id) {
		return nil, reject(RejectDuplicateUUID, "target %s already registered", id.String())
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, reject(RejectMalformedJSON, "malformed migration config: %v", err)
	}
	if err := backend.ValidateConfig(metadata["type"], mergedRaw); err != nil {
		return nil, reject(RejectSchemaInvalid, "config rejected by backend %q: %v", metadata["type"], err)
	}

	return &Validated{ID: id, Type: metadata["type"], Config: mergedRaw, TransferName: transferName}, nil
}

// AfterInstall runs once every file named in the migration's file set is
// on disk at root. It reconstitutes the backend from those files and
// inserts the target under the migrated UUID.
func (s *Server) AfterInstall(ctx context.Context, v *Validated, root string, relFiles []string) error {
	absRoot := filepath.Clean(root) + string(filepath.Separator)
	files := make([]string, len(relFiles))
	for i, f := range relFiles {
		files[i] = filepath.Join(absRoot, f)
	}

	tx, ok := s.transferManagers.Lookup(v.TransferName)
	if !ok {
		return reject(RejectUnknownTransferManager, "unknown transfer manager %q", v.TransferName)
	}

	be, err := backend.Recover(ctx, s.log, v.Type, v.Config, absRoot, files)
	if err != nil {
		return reject(RejectRecoverFailed, "recover failed: %v", err)
	}

	if err := s.targets.Insert(v.ID, be, v.TransferName, tx); err != nil {
		return reject(RejectDuplicateUUID, "target %s already registered", v.ID.String())
	}
	return nil
}
