// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package lifecycle runs the daemon's long-lived workers (transport
// listener, signal handler) side by side and tears every one of them
// down when the first exits.
package lifecycle

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Group runs a set of named workers until one returns (or panics),
// then cancels the rest and waits for them to finish.
type Group struct {
	log *zap.Logger
}

// NewGroup returns a lifecycle group that logs worker start/stop/panic
// events to log.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Worker is one named unit of work run under a Group.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run starts every worker concurrently and blocks until the first one
// returns, then cancels ctx for the rest and waits for them to exit.
// It returns the error that ended the group, if any.
func (g *Group) Run(ctx context.Context, workers ...Worker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(workers))
	for _, w := range workers {
		w := w
		go func() {
			errs <- g.runOne(ctx, w)
		}()
	}

	var first error
	for i := range workers {
		err := <-errs
		if i == 0 {
			first = err
			cancel()
		}
	}
	return first
}

func (g *Group) runOne(ctx context.Context, w Worker) (err error) {
	g.log.Debug("starting", zap.String("worker", w.Name))
	defer func() {
		if p := recover(); p != nil {
			buf := make([]byte, 64*1024)
			buf = buf[:runtime.Stack(buf, false)]
			g.log.Error("worker panicked",
				zap.String("worker", w.Name),
				zap.String("panic", fmt.Sprint(p)),
				zap.String("stack", string(condenseStack(buf))))
			err = fmt.Errorf("%s: panic: %v", w.Name, p)
		}
	}()

	err = w.Run(ctx)
	if err != nil && ctx.Err() == nil {
		g.log.Error("worker failed", zap.String("worker", w.Name), zap.Error(err))
	} else {
		g.log.Debug("stopped", zap.String("worker", w.Name))
	}
	return err
}
