// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package errs2 holds small error-handling helpers shared across the
// dispatch layer: LoggingSanitizer hides internal error detail from
// callers while still logging it.
package errs2

import (
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/pkg/rpc/rpcstatus"
)

// CodeMap maps an error class a caller is allowed to see verbatim to
// the status code that should accompany it. Any error not wrapped by
// one of these classes is treated as internal: logged in full, and
// replaced by a generic message before it reaches the caller.
type CodeMap map[*errs.Class]rpcstatus.StatusCode

// LoggingSanitizer collapses internal error detail before it crosses
// the RPC boundary, optionally wrapping exposed errors in a fixed
// class and logging every error (exposed or not) in full.
type LoggingSanitizer struct {
	wrapper *errs.Class
	log     *zap.Logger
	codes   CodeMap
}

// NewLoggingSanitizer returns a sanitizer that exposes errors belonging
// to a class in codes verbatim (wrapped in wrapper if non-nil) and
// collapses everything else to rpcstatus.Internal. log, if non-nil,
// receives every error at Error level before sanitization.
func NewLoggingSanitizer(wrapper *errs.Class, log *zap.Logger, codes CodeMap) *LoggingSanitizer {
	return &LoggingSanitizer{wrapper: wrapper, log: log, codes: codes}
}

// Error logs err under msg (if logging is configured) and returns the
// sanitized error: err's own text for an exposed class, msg alone
// otherwise.
func (s *LoggingSanitizer) Error(msg string, err error) error {
	logErr := err
	if s.wrapper != nil {
		logErr = s.wrapper.Wrap(err)
	}
	if s.log != nil {
		s.log.Error(msg, zap.Error(logErr))
	}

	for class, code := range s.codes {
		if class.Has(err) {
			if s.wrapper == nil {
				return rpcstatus.Error(code, err.Error())
			}
			return rpcstatus.Error(code, s.wrapper.Wrap(err).Error())
		}
	}

	if s.wrapper == nil {
		return rpcstatus.Error(rpcstatus.Internal, msg)
	}
	return rpcstatus.Error(rpcstatus.Internal, s.wrapper.New(msg).Error())
}
