// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package file_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quarry-storage/quarry/backend"
	"github.com/quarry-storage/quarry/backend/file"
	"github.com/quarry-storage/quarry/region"
)

func newBackend(t *testing.T) backend.Backend {
	t.Helper()
	cfg, err := json.Marshal(file.Config{Root: t.TempDir(), ForceSync: false})
	require.NoError(t, err)
	b, err := backend.New(context.Background(), zaptest.NewLogger(t), file.Name, cfg)
	require.NoError(t, err)
	return b
}

func TestCreateWriteReadPersistErase(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 16)
	require.NoError(t, err)

	w, err := b.Write(ctx, r.GetRegionID(), true)
	require.NoError(t, err)

	segs := region.Segments{{Offset: 0, Length: 16}}
	require.NoError(t, w.Write(ctx, segs, []byte("ABCDEFGHIJKLMNOP"), true))

	rd, err := b.Read(ctx, r.GetRegionID())
	require.NoError(t, err)
	got, err := rd.Read(ctx, segs)
	require.NoError(t, err)
	require.Equal(t, "ABCDEFGHIJKLMNOP", string(got))

	require.NoError(t, b.Erase(ctx, r.GetRegionID()))
	_, err = b.Read(ctx, r.GetRegionID())
	require.Error(t, err)
}

func TestSurvivesFreshIndexHandleAfterCreate(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 8)
	require.NoError(t, err)

	writeSegs := region.Segments{{Offset: 0, Length: 8}}
	w, err := b.Write(ctx, r.GetRegionID(), false)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, writeSegs, []byte("12345678"), false))

	rd, err := b.Read(ctx, r.GetRegionID())
	require.NoError(t, err)
	got, err := rd.Read(ctx, writeSegs)
	require.NoError(t, err)
	require.Equal(t, "12345678", string(got))
}

func TestUnknownRegion(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Read(ctx, region.ID("bogus"))
	require.Error(t, err)
	require.True(t, backend.ErrUnknownRegion.Has(err))
}

func TestDestroyRemovesFiles(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 4)
	require.NoError(t, err)

	require.NoError(t, b.Destroy(ctx))

	_, err = b.Read(ctx, r.GetRegionID())
	require.Error(t, err)
}

func TestMigrationRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newBackend(t)

	r, err := src.Create(ctx, 8)
	require.NoError(t, err)
	w, err := src.Write(ctx, r.GetRegionID(), false)
	require.NoError(t, err)
	segs := region.Segments{{Offset: 0, Length: 8}}
	require.NoError(t, w.Write(ctx, segs, []byte("deadbeef"), false))

	mh, err := src.StartMigration(ctx, true)
	require.NoError(t, err)
	files, err := mh.GetFiles(ctx)
	require.NoError(t, err)
	root := mh.GetRoot()

	dstCfg, err := json.Marshal(file.Config{Root: t.TempDir()})
	require.NoError(t, err)
	dst, err := backend.Recover(ctx, zaptest.NewLogger(t), file.Name, dstCfg, root, files)
	require.NoError(t, err)

	require.NoError(t, mh.Release(ctx))

	rd, err := dst.Read(ctx, r.GetRegionID())
	require.NoError(t, err)
	got, err := rd.Read(ctx, segs)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", string(got))

	_, err = src.Read(ctx, r.GetRegionID())
	require.Error(t, err)
}
