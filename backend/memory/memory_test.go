// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quarry-storage/quarry/backend"
	"github.com/quarry-storage/quarry/backend/memory"
	"github.com/quarry-storage/quarry/region"
)

func newBackend(t *testing.T) backend.Backend {
	t.Helper()
	b, err := backend.New(context.Background(), zaptest.NewLogger(t), memory.Name, nil)
	require.NoError(t, err)
	return b
}

func TestCreateWriteReadErase(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 16)
	require.NoError(t, err)

	segs := region.Segments{{Offset: 0, Length: 16}}
	require.NoError(t, r.Write(ctx, segs, []byte("ABCDEFGHIJKLMNOP"), true))

	got, err := r.Read(ctx, segs)
	require.NoError(t, err)
	require.Equal(t, "ABCDEFGHIJKLMNOP", string(got))

	require.NoError(t, b.Erase(ctx, r.GetRegionID()))

	_, err = b.Read(ctx, r.GetRegionID())
	require.Error(t, err)
	require.Contains(t, err.Error(), r.GetRegionID().String())
}

func TestSegmentGather(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 10)
	require.NoError(t, err)

	writeSegs := region.Segments{{Offset: 0, Length: 5}, {Offset: 5, Length: 5}}
	require.NoError(t, r.Write(ctx, writeSegs, []byte("HELLOWORLD"), false))

	readSegs := region.Segments{{Offset: 5, Length: 5}, {Offset: 0, Length: 5}}
	got, err := r.Read(ctx, readSegs)
	require.NoError(t, err)
	require.Equal(t, "WORLDHELLO", string(got))
}

func TestOverlappingSegmentsLastWriterWins(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 4)
	require.NoError(t, err)

	segs := region.Segments{{Offset: 0, Length: 4}, {Offset: 0, Length: 4}}
	require.NoError(t, r.Write(ctx, segs, []byte("aaaabbbb"), false))

	got, err := r.Read(ctx, region.Segments{{Offset: 0, Length: 4}})
	require.NoError(t, err)
	require.Equal(t, "bbbb", string(got))
}

func TestOutOfBoundsFailsWhole(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 4)
	require.NoError(t, err)

	segs := region.Segments{{Offset: 0, Length: 2}, {Offset: 2, Length: 100}}
	err = r.Write(ctx, segs, make([]byte, 102), false)
	require.ErrorIs(t, err, region.ErrOutOfBounds)

	got, err := r.Read(ctx, region.Segments{{Offset: 0, Length: 4}})
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4), got)
}

func TestPersistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 4)
	require.NoError(t, err)

	segs := region.Segments{{Offset: 0, Length: 4}}
	require.NoError(t, r.Persist(ctx, segs))
	require.NoError(t, r.Persist(ctx, segs))
	require.NoError(t, r.Persist(ctx, nil))
}

func TestWriteReadUnknownRegion(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Write(ctx, region.ID("nonexistent"), false)
	require.Error(t, err)
	require.True(t, backend.ErrUnknownRegion.Has(err))
}

func TestDestroyInvalidatesRegions(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	r, err := b.Create(ctx, 4)
	require.NoError(t, err)

	require.NoError(t, b.Destroy(ctx))

	_, err = b.Read(ctx, r.GetRegionID())
	require.Error(t, err)
}

func TestMigratingTargetRejectsMutation(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	mh, err := b.StartMigration(ctx, false)
	require.NoError(t, err)

	_, err = b.Create(ctx, 4)
	require.True(t, backend.Error.Has(err) || err == backend.ErrMigrating)

	require.NoError(t, mh.Cancel(ctx))

	_, err = b.Create(ctx, 4)
	require.NoError(t, err)
}
