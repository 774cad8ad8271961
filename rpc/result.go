// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package rpc binds each wire verb to a Provider operation, wrapping
// every call in the uniform Result envelope and guaranteeing exactly
// one response per request even across a panic inside a backend.
package rpc

import "encoding/json"

// Result is the wire envelope every RPC verb returns.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func ok(value interface{}) Result {
	if value == nil {
		return Result{Success: true}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Value: raw}
}

func fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
