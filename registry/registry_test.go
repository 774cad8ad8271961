// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quarry-storage/quarry/backend"
	_ "github.com/quarry-storage/quarry/backend/memory"
	"github.com/quarry-storage/quarry/registry"
	"github.com/quarry-storage/quarry/transfer"
	_ "github.com/quarry-storage/quarry/transfer/passthrough"
	"github.com/quarry-storage/quarry/uuidkit"
)

func TestTargetsInsertLookupRemove(t *testing.T) {
	ctx := context.Background()
	targets := registry.NewTargets()

	be, err := backend.New(ctx, zaptest.NewLogger(t), "memory", nil)
	require.NoError(t, err)
	tx, err := transfer.New(ctx, zaptest.NewLogger(t), "__default__", nil)
	require.NoError(t, err)

	id, err := uuidkit.New()
	require.NoError(t, err)
	require.NoError(t, targets.Insert(id, be, "__default__", tx))

	require.Error(t, targets.Insert(id, be, "__default__", tx))

	h, ok := targets.Lookup(id)
	require.True(t, ok)
	require.Equal(t, be, h.Backend())
	h.Release()

	require.True(t, targets.Remove(id))
	require.False(t, targets.Remove(id))

	_, ok = targets.Lookup(id)
	require.False(t, ok)
}

func TestTargetsHandleOutlivesRemoval(t *testing.T) {
	ctx := context.Background()
	targets := registry.NewTargets()

	be, err := backend.New(ctx, zaptest.NewLogger(t), "memory", nil)
	require.NoError(t, err)
	tx, err := transfer.New(ctx, zaptest.NewLogger(t), "__default__", nil)
	require.NoError(t, err)

	id, err := uuidkit.New()
	require.NoError(t, err)
	require.NoError(t, targets.Insert(id, be, "__default__", tx))

	h, ok := targets.Lookup(id)
	require.True(t, ok)

	require.True(t, targets.Remove(id))

	r, err := h.Backend().Create(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, r)
	h.Release()
}

func TestDestroyAndRemove(t *testing.T) {
	ctx := context.Background()
	targets := registry.NewTargets()

	be, err := backend.New(ctx, zaptest.NewLogger(t), "memory", nil)
	require.NoError(t, err)
	tx, err := transfer.New(ctx, zaptest.NewLogger(t), "__default__", nil)
	require.NoError(t, err)

	id, err := uuidkit.New()
	require.NoError(t, err)
	require.NoError(t, targets.Insert(id, be, "__default__", tx))

	require.NoError(t, targets.DestroyAndRemove(ctx, id))
	require.False(t, targets.Contains(id))

	unknown, err := uuidkit.New()
	require.NoError(t, err)
	require.Error(t, targets.DestroyAndRemove(ctx, unknown))
}

func TestTransferManagersDuplicateName(t *testing.T) {
	ctx := context.Background()
	managers := registry.NewTransferManagers()

	tx, err := transfer.New(ctx, zaptest.NewLogger(t), "__default__", nil)
	require.NoError(t, err)

	require.NoError(t, managers.Insert("t", tx))
	err = managers.Insert("t", tx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "t")
}
