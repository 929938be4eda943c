// Package rpc implements the peer-to-peer transport consumed through
// iface.Broadcast, carrying consensus proposals and votes between
// replicas over gRPC.
//
// No .proto-generated message package was available to ground a
// conventional protoc-gen-go client/server pair (see DESIGN.md), so this
// package calls grpc's connection-level Invoke directly — the same
// mechanism protoc-gen-go's generated stubs call into — paired with a
// custom "raw" codec, registered the way grpc-gateway-style JSON codecs
// are, that passes the already-encoded consensus message bytes straight
// through rather than re-marshaling them as protobuf.
//
// Grounded on the teacher's grpc.Server setup in pkg/api. Certificate
// issuance and verification stay the security collaborator's concern
// (pkg/security.CertAuthority); this package only accepts the resulting
// credentials.TransportCredentials (NewServerTLS/NewTransportTLS) and wires
// them into the grpc.Server/grpc.ClientConn the teacher's pattern builds.
//
// iface.MaxPayloadBytes is enforced here, at every layer a frame crosses:
// Transport.Send rejects an outbound payload before dialing, the unary
// handler rejects an inbound one before it reaches Handler, and both the
// Server and Transport's grpc.ClientConn set MaxRecvMsgSize/MaxSendMsgSize
// to the same bound as a backstop against the wire codec itself.
package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	"github.com/cuemby/warrenledger/pkg/log"
	"github.com/cuemby/warrenledger/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/peer"
)

const codecName = "raw"

// rawFrame is the only message type this service ever exchanges: an
// opaque, already-encoded consensus message.
type rawFrame struct {
	data []byte
}

// rawCodec implements encoding.Codec by passing bytes through unchanged,
// since the consensus layer has already framed its own messages.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("rpc: rawCodec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("rpc: rawCodec cannot unmarshal into %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

const methodSend = "/warrenledger.rpc.Peer/Send"

// Handler processes an inbound consensus message frame from a peer.
type Handler func(ctx context.Context, from string, payload []byte) error

func unaryHandler(handler Handler) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(rawFrame)
		if err := dec(in); err != nil {
			return nil, err
		}
		if len(in.data) > iface.MaxPayloadBytes {
			return nil, fmt.Errorf("rpc: inbound payload of %d bytes exceeds max of %d", len(in.data), iface.MaxPayloadBytes)
		}
		from := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			from = p.Addr.String()
		}
		if err := handler(ctx, from, in.data); err != nil {
			return nil, err
		}
		return &rawFrame{}, nil
	}
}

// serviceDesc describes the single unary RPC peers expose, built by hand
// in place of a generated one (see package doc).
func serviceDesc(handler Handler) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "warrenledger.rpc.Peer",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Send", Handler: unaryHandler(handler)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "warrenledger/rpc.proto",
	}
}

// Server hosts the Peer service and dispatches inbound frames to handler.
type Server struct {
	grpcServer *grpc.Server
	logger     zerolog.Logger
}

// NewServer constructs a Server that invokes handler for every inbound
// message over plaintext. Intended for single-process/devnet use; a
// multi-validator deployment should use NewServerTLS instead.
func NewServer(handler Handler) *Server {
	return newServer(handler, nil)
}

// NewServerTLS constructs a Server that requires and verifies a client
// certificate on every inbound connection, grounded on the teacher's
// grpc.Creds(creds) wiring in pkg/api/server.go. creds is typically built
// from a security.CertAuthority-issued node certificate and root pool.
func NewServerTLS(handler Handler, creds credentials.TransportCredentials) *Server {
	return newServer(handler, creds)
}

func newServer(handler Handler, creds credentials.TransportCredentials) *Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(iface.MaxPayloadBytes),
		grpc.MaxSendMsgSize(iface.MaxPayloadBytes),
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}
	gs := grpc.NewServer(opts...)
	gs.RegisterService(serviceDesc(handler), nil)
	return &Server{grpcServer: gs, logger: log.WithComponent("rpc")}
}

// Serve blocks accepting connections on lis until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("rpc server listening")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Transport implements iface.Broadcast over grpc connections to a static
// peer list, dialed lazily and cached.
type Transport struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	peers  []string
	creds  credentials.TransportCredentials
	logger zerolog.Logger
}

// NewTransport constructs a Transport that dials peers over plaintext.
// Intended for single-process/devnet use; a multi-validator deployment
// should use NewTransportTLS instead.
func NewTransport(peers []string) *Transport {
	return newTransport(peers, nil)
}

// NewTransportTLS constructs a Transport that presents creds (typically a
// security.CertAuthority-issued dial certificate) when dialing peers.
func NewTransportTLS(peers []string, creds credentials.TransportCredentials) *Transport {
	return newTransport(peers, creds)
}

func newTransport(peers []string, creds credentials.TransportCredentials) *Transport {
	return &Transport{conns: make(map[string]*grpc.ClientConn), peers: peers, creds: creds, logger: log.WithComponent("rpc")}
}

func (t *Transport) connFor(peer string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.conns[peer]; ok {
		return cc, nil
	}
	transportCreds := t.creds
	if transportCreds == nil {
		transportCreds = insecure.NewCredentials()
	}
	cc, err := grpc.NewClient(peer,
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(iface.MaxPayloadBytes),
			grpc.MaxCallSendMsgSize(iface.MaxPayloadBytes),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dialing %s: %w", peer, err)
	}
	t.conns[peer] = cc
	return cc, nil
}

// Broadcast sends payload to every configured peer, returning the first
// error encountered (if any) after attempting all of them.
func (t *Transport) Broadcast(ctx context.Context, payload []byte) error {
	var firstErr error
	for _, p := range t.peers {
		if err := t.Send(ctx, p, payload); err != nil {
			metrics.RPCBroadcastFailuresTotal.Inc()
			if firstErr == nil {
				firstErr = err
				t.logger.Warn().Err(err).Str("peer", p).Msg("broadcast to peer failed")
			}
		}
	}
	return firstErr
}

// Send delivers payload to a single peer, rejecting it outright if it
// exceeds iface.MaxPayloadBytes rather than letting grpc's own
// MaxSendMsgSize reject it deeper in the stack.
func (t *Transport) Send(ctx context.Context, peerAddr string, payload []byte) error {
	if len(payload) > iface.MaxPayloadBytes {
		return fmt.Errorf("rpc: payload of %d bytes exceeds max of %d", len(payload), iface.MaxPayloadBytes)
	}
	cc, err := t.connFor(peerAddr)
	if err != nil {
		return err
	}
	in := &rawFrame{data: payload}
	out := new(rawFrame)
	return cc.Invoke(ctx, methodSend, in, out)
}

// Close tears down all cached connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, cc := range t.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ iface.Broadcast = (*Transport)(nil)
