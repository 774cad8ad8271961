// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGroup_FirstErrorCancelsRest(t *testing.T) {
	g := NewGroup(zaptest.NewLogger(t))
	boom := errors.New("boom")

	err := g.Run(context.Background(),
		Worker{Name: "failing", Run: func(context.Context) error { return boom }},
		Worker{Name: "waits-for-cancel", Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Second):
				return nil
			}
		}},
	)
	require.Equal(t, boom, err)
}

func TestGroup_PanicBecomesError(t *testing.T) {
	g := NewGroup(zaptest.NewLogger(t))
	err := g.Run(context.Background(),
		Worker{Name: "panics", Run: func(context.Context) error { panic("kaboom") }},
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panics")
}
