// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package config parses and re-serializes the JSON document a provider
// is constructed from: an optional list of targets and an optional map
// of named transfer managers.
package config

import (
	"bytes"
	"encoding/json"

	"github.com/zeebo/errs"
)

// Error is the default error class for malformed provider documents.
var Error = errs.Class("config")

// TargetSpec is one entry of the document's "targets" array.
type TargetSpec struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// TransferManagerSpec is one value of the document's "transfer_managers"
// map.
type TransferManagerSpec struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Document is the parsed provider configuration.
type Document struct {
	Targets          []TargetSpec                   `json:"targets,omitempty"`
	TransferManagers map[string]TransferManagerSpec `json:"transfer_managers,omitempty"`
}

// Parse decodes and validates raw against the outer schema. Both top
// level keys are optional; an empty document (nil or "{}") is valid.
// type is required on every present target and transfer manager entry.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if len(raw) == 0 {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, Error.Wrap(err)
	}
	for i, t := range doc.Targets {
		if t.Type == "" {
			return Document{}, Error.New("targets[%d] missing type", i)
		}
	}
	for name, tm := range doc.TransferManagers {
		if tm.Type == "" {
			return Document{}, Error.New("transfer_managers[%q] missing type", name)
		}
	}
	return doc, nil
}

// transferManagerConfig is the sub-shape of a target's config object
// the core itself interprets; everything else in config is opaque to
// it and passed straight to the backend.
type transferManagerConfig struct {
	TransferManager string `json:"transfer_manager"`
}

// TransferManagerName extracts the "transfer_manager" field embedded in
// a target's config, defaulting to the provider-wide default name when
// absent or the config is empty.
func TransferManagerName(raw json.RawMessage, defaultName string) (string, error) {
	if len(raw) == 0 {
		return defaultName, nil
	}
	var tc transferManagerConfig
	if err := json.Unmarshal(raw, &tc); err != nil {
		return "", Error.Wrap(err)
	}
	if tc.TransferManager == "" {
		return defaultName, nil
	}
	return tc.TransferManager, nil
}

// TargetOut is one entry of a live configuration's "targets" array, as
// returned by Provider.GetConfig: the original spec plus the assigned
// UUID.
type TargetOut struct {
	ID     string          `json:"__id__"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DocumentOut is the shape Provider.GetConfig renders: a faithful
// round-trip of Document augmented with per-target __id__ fields. It
// is a distinct schema from Document and is never fed back into Parse,
// which would reject the extra __id__ field under DisallowUnknownFields.
type DocumentOut struct {
	Targets          []TargetOut                    `json:"targets,omitempty"`
	TransferManagers map[string]TransferManagerSpec `json:"transfer_managers,omitempty"`
}
