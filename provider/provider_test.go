// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package provider_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	_ "github.com/quarry-storage/quarry/backend/file"
	_ "github.com/quarry-storage/quarry/backend/memory"
	"github.com/quarry-storage/quarry/migration"
	"github.com/quarry-storage/quarry/provider"
	"github.com/quarry-storage/quarry/rpc"
	"github.com/quarry-storage/quarry/transport/localengine"
	_ "github.com/quarry-storage/quarry/transfer/passthrough"
)

func newTestProvider(t *testing.T, id string, migrationTransport migration.Transport) (*provider.Provider, *rpc.Dispatcher) {
	t.Helper()
	log := zaptest.NewLogger(t)
	engine := localengine.New()
	p, err := provider.New(context.Background(), log, id, engine, migrationTransport, []byte(`{}`))
	require.NoError(t, err)
	return p, rpc.New(log, p)
}

func decodeValue(t *testing.T, res rpc.Result, out interface{}) {
	t.Helper()
	require.True(t, res.Success, res.Error)
	require.NoError(t, json.Unmarshal(res.Value, out))
}

func addMemoryTarget(t *testing.T, d *rpc.Dispatcher) string {
	t.Helper()
	res := d.AddTarget(context.Background(), rpc.AddTargetArgs{Type: "memory", Config: json.RawMessage(`{}`)})
	var id string
	decodeValue(t, res, &id)
	return id
}

func TestCreateWriteEagerReadEagerErase(t *testing.T) {
	ctx := context.Background()
	_, d := newTestProvider(t, "p1", nil)

	uuid := addMemoryTarget(t, d)

	var regionID string
	decodeValue(t, d.Create(ctx, rpc.CreateArgs{UUID: uuid, Size: 5}), &regionID)

	payload := []byte("hello")
	res := d.WriteEager(ctx, rpc.WriteEagerArgs{
		UUID:        uuid,
		RegionID:    regionID,
		Segments:    []rpc.Segment{{Offset: 0, Length: 5}},
		InlineBytes: payload,
		Persist:     true,
	})
	require.True(t, res.Success, res.Error)

	var got []byte
	decodeValue(t, d.ReadEager(ctx, rpc.ReadEagerArgs{
		UUID:     uuid,
		RegionID: regionID,
		Segments: []rpc.Segment{{Offset: 0, Length: 5}},
	}), &got)
	require.Equal(t, payload, got)

	res = d.Erase(ctx, rpc.EraseArgs{UUID: uuid, RegionID: regionID})
	require.True(t, res.Success, res.Error)

	res = d.ReadEager(ctx, rpc.ReadEagerArgs{UUID: uuid, RegionID: regionID, Segments: []rpc.Segment{{Offset: 0, Length: 5}}})
	require.False(t, res.Success)
	require.Contains(t, res.Error, regionID)
}

func TestSegmentScatterGather(t *testing.T) {
	ctx := context.Background()
	_, d := newTestProvider(t, "p1", nil)

	uuid := addMemoryTarget(t, d)

	var regionID string
	decodeValue(t, d.Create(ctx, rpc.CreateArgs{UUID: uuid, Size: 10}), &regionID)

	payload := []byte("ABCDEFGHIJ")
	res := d.WriteEager(ctx, rpc.WriteEagerArgs{
		UUID:        uuid,
		RegionID:    regionID,
		Segments:    []rpc.Segment{{Offset: 0, Length: 4}, {Offset: 4, Length: 6}},
		InlineBytes: payload,
		Persist:     true,
	})
	require.True(t, res.Success, res.Error)

	var got []byte
	decodeValue(t, d.ReadEager(ctx, rpc.ReadEagerArgs{
		UUID:     uuid,
		RegionID: regionID,
		Segments: []rpc.Segment{{Offset: 4, Length: 6}, {Offset: 0, Length: 4}},
	}), &got)
	require.Equal(t, []byte("EFGHIJABCD"), got)
}

func TestBadAdminInputsRejected(t *testing.T) {
	ctx := context.Background()
	_, d := newTestProvider(t, "p1", nil)

	res := d.AddTarget(ctx, rpc.AddTargetArgs{Type: "bogus", Config: json.RawMessage(`{}`)})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "unknown backend type")

	res = d.CheckTarget(ctx, rpc.CheckTargetArgs{UUID: "not-a-uuid"})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "invalid uuid")

	uuid := addMemoryTarget(t, d)
	res = d.RemoveTarget(ctx, rpc.RemoveTargetArgs{UUID: uuid})
	require.True(t, res.Success, res.Error)

	res = d.RemoveTarget(ctx, rpc.RemoveTargetArgs{UUID: uuid})
	require.False(t, res.Success)
	require.Contains(t, res.Error, uuid)
	require.Contains(t, res.Error, "not found")
}

func TestDuplicateTransferManagerRejected(t *testing.T) {
	ctx := context.Background()
	_, d := newTestProvider(t, "p1", nil)

	res := d.AddTransferManager(ctx, rpc.AddTransferManagerArgs{Name: "bulk", Type: "__default__", Config: nil})
	require.True(t, res.Success, res.Error)

	res = d.AddTransferManager(ctx, rpc.AddTransferManagerArgs{Name: "bulk", Type: "__default__", Config: nil})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "bulk")
}

func twoProviderMigrationFixture(t *testing.T) (*rpc.Dispatcher, *rpc.Dispatcher, *localengine.Directory) {
	t.Helper()
	directory := localengine.NewDirectory()

	p1, d1 := newTestProvider(t, "p1", directory)
	p2, d2 := newTestProvider(t, "p2", directory)

	directory.Register("p1", p1.MigrationServer())
	directory.Register("p2", p2.MigrationServer())

	return d1, d2, directory
}

func TestMigrationHappyPath(t *testing.T) {
	ctx := context.Background()
	d1, d2, _ := twoProviderMigrationFixture(t)

	uuid := addMemoryTarget(t, d1)

	var regionID string
	decodeValue(t, d1.Create(ctx, rpc.CreateArgs{UUID: uuid, Size: 5}), &regionID)
	payload := []byte("howdy")
	res := d1.WriteEager(ctx, rpc.WriteEagerArgs{UUID: uuid, RegionID: regionID, Segments: []rpc.Segment{{Offset: 0, Length: 5}}, InlineBytes: payload, Persist: true})
	require.True(t, res.Success, res.Error)

	res = d1.MigrateTarget(ctx, rpc.MigrateTargetArgs{
		UUID:           uuid,
		DestAddr:       "p2",
		DestProviderID: "p2",
		Options:        rpc.MigrationOptionsArgs{NewRoot: t.TempDir(), RemoveSource: true},
	})
	require.True(t, res.Success, res.Error)

	res = d1.CheckTarget(ctx, rpc.CheckTargetArgs{UUID: uuid})
	require.False(t, res.Success)

	res = d2.CheckTarget(ctx, rpc.CheckTargetArgs{UUID: uuid})
	require.True(t, res.Success, res.Error)

	var got []byte
	decodeValue(t, d2.ReadEager(ctx, rpc.ReadEagerArgs{UUID: uuid, RegionID: regionID, Segments: []rpc.Segment{{Offset: 0, Length: 5}}}), &got)
	require.Equal(t, payload, got)
}

func TestMigrationDuplicateUUIDRejected(t *testing.T) {
	ctx := context.Background()
	d1, d2, _ := twoProviderMigrationFixture(t)

	uuid := addMemoryTarget(t, d1)

	res := d1.MigrateTarget(ctx, rpc.MigrateTargetArgs{
		UUID:           uuid,
		DestAddr:       "p2",
		DestProviderID: "p2",
		Options:        rpc.MigrationOptionsArgs{NewRoot: t.TempDir(), RemoveSource: false},
	})
	require.True(t, res.Success, res.Error)

	res = d1.CheckTarget(ctx, rpc.CheckTargetArgs{UUID: uuid})
	require.True(t, res.Success, res.Error)

	res = d1.MigrateTarget(ctx, rpc.MigrateTargetArgs{
		UUID:           uuid,
		DestAddr:       "p2",
		DestProviderID: "p2",
		Options:        rpc.MigrationOptionsArgs{NewRoot: t.TempDir(), RemoveSource: false},
	})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "already registered")

	res = d1.CheckTarget(ctx, rpc.CheckTargetArgs{UUID: uuid})
	require.True(t, res.Success, res.Error)

	res = d2.CheckTarget(ctx, rpc.CheckTargetArgs{UUID: uuid})
	require.True(t, res.Success, res.Error)
}
