// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package testcontext provides a per-test scratch directory and
// cleanup-registration helper: tests that need a temp directory or a
// deferred close call ctx.File/ctx.Check instead of hand-rolling
// t.TempDir bookkeeping.
package testcontext

import (
	"os"
	"path/filepath"
	"testing"
)

// Context bundles a test's temporary directory with cleanup
// registration. The zero value is not usable; construct with New.
type Context struct {
	test test
	dir  string
	errs []error
}

type test interface {
	Helper()
	Fatal(args ...interface{})
	Error(args ...interface{})
}

// New returns a Context backed by a fresh temporary directory that is
// removed when the test completes.
func New(t *testing.T) *Context {
	t.Helper()
	dir, err := os.MkdirTemp("", "quarry-test-*")
	if err != nil {
		t.Fatal(err)
	}
	ctx := &Context{test: t, dir: dir}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return ctx
}

// Dir returns the context's scratch directory.
func (ctx *Context) Dir() string { return ctx.dir }

// File joins names onto the scratch directory and ensures the parent
// directories exist, returning the resulting path.
func (ctx *Context) File(names ...string) string {
	ctx.test.Helper()
	path := filepath.Join(append([]string{ctx.dir}, names...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		ctx.test.Fatal(err)
	}
	return path
}

// Check runs fn and records a failure if it returns an error, so a
// deferred resource close doesn't lose its error in noisy
// multi-resource teardown.
func (ctx *Context) Check(fn func() error) {
	if err := fn(); err != nil {
		ctx.errs = append(ctx.errs, err)
	}
}

// Cleanup reports any error accumulated by Check calls. Call with
// defer immediately after New.
func (ctx *Context) Cleanup() {
	for _, err := range ctx.errs {
		ctx.test.Error(err)
	}
}
