// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package drpcengine is the production transport.Engine: a peer dials
// out over storj.io/drpc to resolve bulk pull/push against a remote
// target's registered memory and to forward admin verbs into a remote
// rpc.Dispatcher, collapsed to a single bidirectional peer since this
// provider has no identity/TLS layer to negotiate.
package drpcengine

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"storj.io/drpc"
	"storj.io/drpc/drpcconn"
	"storj.io/drpc/drpcserver"

	"github.com/quarry-storage/quarry/migration"
	"github.com/quarry-storage/quarry/rpc"
	"github.com/quarry-storage/quarry/transport"
)

// Error is the default error class for drpc transport failures.
var Error = errs.Class("drpcengine")

const (
	rpcPull     = "/quarry.transport/pull"
	rpcPush     = "/quarry.transport/push"
	rpcDispatch = "/quarry.transport/dispatch"
)

// Endpoint is a dialable host:port address.
type Endpoint string

// String implements transport.Endpoint.
func (e Endpoint) String() string { return string(e) }

// jsonEncoding marshals drpc messages as JSON rather than protobuf,
// since this engine hand-rolls its RPC surface instead of generating it
// from a .proto file.
type jsonEncoding struct{}

func (jsonEncoding) Marshal(msg drpc.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonEncoding) Unmarshal(data []byte, msg drpc.Message) error {
	return json.Unmarshal(data, msg)
}

var jsonEnc jsonEncoding

var _ drpc.Encoding = jsonEncoding{}

// BulkRegistry holds the byte buffers this peer exposes to remote
// Pull/Push calls, addressed by transport.BulkHandle, mirroring
// localengine's in-process bulk map but served over the wire.
type BulkRegistry struct {
	mu   sync.Mutex
	bulk map[string][]byte
}

// NewBulkRegistry returns an empty registry.
func NewBulkRegistry() *BulkRegistry {
	return &BulkRegistry{bulk: map[string][]byte{}}
}

// Register exposes buf as the bulk buffer named by handle.
func (b *BulkRegistry) Register(handle transport.BulkHandle, buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulk[string(handle)] = buf
}

// Forget removes a previously registered buffer.
func (b *BulkRegistry) Forget(handle transport.BulkHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bulk, string(handle))
}

func (b *BulkRegistry) get(handle transport.BulkHandle) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.bulk[string(handle)]
	return buf, ok
}

// Engine is a drpc-backed transport.Engine. It is both a client (Pull,
// Push, LookupEndpoint dial out to peers) and, once Serve is running, a
// server exposing its own BulkRegistry and an optional rpc.Dispatcher
// to the rest of the fleet.
type Engine struct {
	log             *zap.Logger
	bulk            *BulkRegistry
	dispatcher      *rpc.Dispatcher
	migrationServer *migration.Server
}

var _ transport.Engine = (*Engine)(nil)
var _ drpc.Handler = (*Engine)(nil)

// New returns an Engine serving bulk out of registry. dispatcher may be
// nil for a peer that only originates calls (e.g. a migration source
// with no admin surface of its own to expose).
func New(log *zap.Logger, registry *BulkRegistry, dispatcher *rpc.Dispatcher) *Engine {
	return &Engine{log: log, bulk: registry, dispatcher: dispatcher}
}

// WithMigrationServer attaches the receiver-side migration hooks this
// engine's migrate RPC dispatches into, mirroring New's dispatcher
// parameter: a peer that only originates migrations needs no server.
func (e *Engine) WithMigrationServer(server *migration.Server) *Engine {
	e.migrationServer = server
	return e
}

// SetDispatcher attaches the admin dispatcher after construction, for
// callers (like cmd/quarryd) that must build the Engine before the
// Provider and Dispatcher it will eventually serve exist.
func (e *Engine) SetDispatcher(dispatcher *rpc.Dispatcher) {
	e.dispatcher = dispatcher
}

// Serve accepts connections on lis and runs them through the engine's
// drpc handler until ctx is canceled.
func (e *Engine) Serve(ctx context.Context, lis net.Listener) error {
	srv := drpcserver.New(e)
	return srv.Serve(ctx, lis)
}

// LookupEndpoint implements transport.Engine. hint must be a dialable
// "host:port" address: unlike localengine's in-process convenience,
// this engine cannot resolve an empty hint to "the RPC sender" without
// threading peer identity through drpc's connection layer, which this
// provider does not do.
func (e *Engine) LookupEndpoint(_ context.Context, hint string) (transport.Endpoint, error) {
	if hint == "" {
		return nil, transport.Error.New("drpcengine requires an explicit endpoint hint")
	}
	return Endpoint(hint), nil
}

func (e *Engine) dial(ctx context.Context, endpoint transport.Endpoint) (*drpcconn.Conn, error) {
	raw, err := new(net.Dialer).DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, transport.Error.Wrap(err)
	}
	return drpcconn.New(raw), nil
}

type pullRequest struct {
	Bulk   []byte `json:"bulk"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

type pullResponse struct {
	Data []byte `json:"data"`
}

// Pull implements transport.Engine by dialing endpoint and invoking its
// pull RPC against endpoint's own BulkRegistry.
func (e *Engine) Pull(ctx context.Context, endpoint transport.Endpoint, bulk transport.BulkHandle, bulkOffset, length uint64) ([]byte, error) {
	conn, err := e.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	req := pullRequest{Bulk: bulk, Offset: bulkOffset, Length: length}
	var resp pullResponse
	if err := conn.Invoke(ctx, rpcPull, jsonEnc, &req, &resp); err != nil {
		return nil, transport.Error.Wrap(err)
	}
	return resp.Data, nil
}

type pushRequest struct {
	Bulk   []byte `json:"bulk"`
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data"`
}

type pushResponse struct{}

// Push implements transport.Engine by dialing endpoint and invoking its
// push RPC against endpoint's own BulkRegistry.
func (e *Engine) Push(ctx context.Context, endpoint transport.Endpoint, bulk transport.BulkHandle, bulkOffset uint64, payload []byte) error {
	conn, err := e.dial(ctx, endpoint)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	req := pushRequest{Bulk: bulk, Offset: bulkOffset, Data: payload}
	var resp pushResponse
	if err := conn.Invoke(ctx, rpcPush, jsonEnc, &req, &resp); err != nil {
		return transport.Error.Wrap(err)
	}
	return nil
}

// dispatchRequest is the wire envelope carrying one admin/data-path
// verb call to a remote Dispatcher, the only framing this provider
// defines; the RPC surface itself is transport-agnostic.
type dispatchRequest struct {
	Verb string          `json:"verb"`
	Args json.RawMessage `json:"args"`
}

// Invoke JSON-encodes args, calls verb on the remote endpoint's
// Dispatcher, and returns the decoded Result envelope.
func (e *Engine) Invoke(ctx context.Context, endpoint transport.Endpoint, verb string, args interface{}) (rpc.Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return rpc.Result{}, Error.Wrap(err)
	}
	conn, err := e.dial(ctx, endpoint)
	if err != nil {
		return rpc.Result{}, err
	}
	defer func() { _ = conn.Close() }()

	var result rpc.Result
	req := dispatchRequest{Verb: verb, Args: raw}
	if err := conn.Invoke(ctx, rpcDispatch, jsonEnc, &req, &result); err != nil {
		return rpc.Result{}, Error.Wrap(err)
	}
	return result, nil
}

// HandleRPC implements drpc.Handler: it is the entire server side of
// this engine, switching on the four RPC names this package defines
// and handling each with a single MsgRecv/MsgSend pair.
func (e *Engine) HandleRPC(stream drpc.Stream, rpcName string) error {
	switch rpcName {
	case rpcPull:
		return e.handlePull(stream)
	case rpcPush:
		return e.handlePush(stream)
	case rpcDispatch:
		return e.handleDispatch(stream)
	case rpcMigrate:
		return e.handleMigrate(stream)
	default:
		return Error.New("unknown rpc %q", rpcName)
	}
}

func (e *Engine) handlePull(stream drpc.Stream) error {
	var req pullRequest
	if err := stream.MsgRecv(&req, jsonEnc); err != nil {
		return err
	}
	buf, ok := e.bulk.get(req.Bulk)
	if !ok {
		return transport.Error.New("unregistered bulk handle")
	}
	if uint64(len(buf)) < req.Offset+req.Length {
		return transport.ErrShortBulkBuffer
	}
	resp := pullResponse{Data: append([]byte(nil), buf[req.Offset:req.Offset+req.Length]...)}
	return stream.MsgSend(&resp, jsonEnc)
}

func (e *Engine) handlePush(stream drpc.Stream) error {
	var req pushRequest
	if err := stream.MsgRecv(&req, jsonEnc); err != nil {
		return err
	}
	buf, ok := e.bulk.get(req.Bulk)
	if !ok {
		return transport.Error.New("unregistered bulk handle")
	}
	if uint64(len(buf)) < req.Offset+uint64(len(req.Data)) {
		return transport.ErrShortBulkBuffer
	}
	copy(buf[req.Offset:], req.Data)
	return stream.MsgSend(&pushResponse{}, jsonEnc)
}

func (e *Engine) handleDispatch(stream drpc.Stream) error {
	var req dispatchRequest
	if err := stream.MsgRecv(&req, jsonEnc); err != nil {
		return err
	}
	if e.dispatcher == nil {
		return Error.New("this peer exposes no admin dispatcher")
	}
	result := dispatchVerb(stream.Context(), e.dispatcher, req.Verb, req.Args)
	return stream.MsgSend(&result, jsonEnc)
}
