// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package rpcstatus names the status codes the dispatch layer attaches
// to errors crossing the Result envelope boundary, covering only the
// drpc half since this provider only ever speaks drpc.
package rpcstatus

import (
	"context"
	"errors"
	"fmt"

	"storj.io/drpc/drpcerr"
)

// StatusCode classifies why an RPC failed, independent of the
// human-readable error text carried in the Result envelope.
type StatusCode uint64

// These constants are the status codes rpc.Dispatcher assigns errors.
const (
	Unknown StatusCode = iota
	OK
	Canceled
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	FailedPrecondition
	Internal
	Unavailable
)

// Code returns the status code attached to err, or Unknown if none was
// attached by Error/Errorf.
func Code(err error) StatusCode {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	default:
		return StatusCode(drpcerr.Code(err))
	}
}

// Error wraps msg with code so a later Code(err) call recovers it.
func Error(code StatusCode, msg string) error {
	return drpcerr.WithCode(errors.New(msg), uint64(code))
}

// Errorf is Error with fmt.Sprintf-style formatting.
func Errorf(code StatusCode, format string, a ...interface{}) error {
	return drpcerr.WithCode(fmt.Errorf(format, a...), uint64(code))
}
