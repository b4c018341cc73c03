// Package peertransport carries particles between peers over gRPC. It
// stands in for the libp2p connection pool, explicitly out of scope for
// this module; only the wiring (server bring-up, client dialing, message
// framing) is implemented here.
//
// No protoc toolchain is available in this environment, so the service is
// defined by hand with grpc.ServiceDesc instead of generated stubs. The
// wire payload is a JSON-encoded domain.Particle carried inside
// wrapperspb.BytesValue, a real pre-compiled message type, rather than
// fabricated .pb.go descriptor bytes.
package peertransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/oriys/particle-node/internal/domain"
	"github.com/oriys/particle-node/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "particlenode.Transport"
const deliverMethod = "Deliver"

// ErrPeerUnreachable wraps a dial failure or a connection-level RPC error
// (gRPC Unavailable or DeadlineExceeded), as distinct from any other
// RPC-level error returned by a peer. Callers (the Effects Translator's circuit breaker) treat
// the two differently: an unreachable peer is a much stronger down signal than
// one failed RPC against a peer that answered.
type ErrPeerUnreachable struct {
	Peer domain.PeerID
	Err  error
}

func (e *ErrPeerUnreachable) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.Peer, e.Err)
}
func (e *ErrPeerUnreachable) Unwrap() error { return e.Err }

func (e *ErrPeerUnreachable) PeerUnreachable() bool { return true }

// Sender delivers a particle to a remote peer.
type Sender interface {
	Deliver(ctx context.Context, peer domain.PeerID, p domain.Particle) error
}

// Receiver accepts an inbound particle from a remote peer and returns an
// error if it should be rejected (e.g. admission limit, malformed payload).
type Receiver interface {
	Receive(ctx context.Context, p domain.Particle) error
}

func encode(p domain.Particle) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

func decode(msg *wrapperspb.BytesValue) (domain.Particle, error) {
	var p domain.Particle
	if err := json.Unmarshal(msg.GetValue(), &p); err != nil {
		return domain.Particle{}, err
	}
	return p, nil
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return deliver(srv.(*GRPCReceiver), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return deliver(srv.(*GRPCReceiver), ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func deliver(r *GRPCReceiver, ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	p, err := decode(in)
	if err != nil {
		return nil, fmt.Errorf("decode particle: %w", err)
	}
	if err := r.receiver.Receive(ctx, p); err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(nil), nil
}

// serviceDesc is the hand-authored equivalent of a protoc-generated
// ServiceDesc for the single Deliver RPC this module needs.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GRPCReceiver)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: deliverMethod, Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "particletransport.proto",
}

// GRPCReceiver runs the server side of the transport, handing every
// accepted particle to a Receiver (the Dispatcher, in this node).
type GRPCReceiver struct {
	receiver Receiver
	server   *grpc.Server
	addr     net.Addr
}

// NewGRPCReceiver constructs a receiver delegating inbound particles to r.
func NewGRPCReceiver(r Receiver) *GRPCReceiver {
	return &GRPCReceiver{receiver: r}
}

// Start listens on addr and begins serving in a background goroutine.
func (g *GRPCReceiver) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g.addr = lis.Addr()
	g.server = grpc.NewServer()
	g.server.RegisterService(&serviceDesc, g)

	logging.Op().Info("peer transport listening", "addr", g.addr.String())

	go func() {
		if err := g.server.Serve(lis); err != nil {
			logging.Op().Error("peer transport server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the receiver is listening on, valid after Start.
func (g *GRPCReceiver) Addr() net.Addr { return g.addr }

// Stop gracefully stops the server.
func (g *GRPCReceiver) Stop() {
	if g.server != nil {
		g.server.GracefulStop()
	}
}

// GRPCSender is a Sender backed by cached gRPC client connections, one per
// peer address, dialed lazily on first use.
type GRPCSender struct {
	mu    sync.Mutex
	conns map[domain.PeerID]*grpc.ClientConn
	addrs map[domain.PeerID]string
}

// NewGRPCSender constructs a sender that resolves peer IDs to addresses via
// addrs (typically the node's static peer registry).
func NewGRPCSender(addrs map[domain.PeerID]string) *GRPCSender {
	return &GRPCSender{conns: make(map[domain.PeerID]*grpc.ClientConn), addrs: addrs}
}

func (s *GRPCSender) connFor(peer domain.PeerID) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[peer]; ok {
		return conn, nil
	}
	addr, ok := s.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("peertransport: no address registered for peer %s", peer)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &ErrPeerUnreachable{Peer: peer, Err: err}
	}
	s.conns[peer] = conn
	return conn, nil
}

// Deliver sends p to peer over the cached connection, dialing one lazily
// if this is the first delivery to that peer.
func (s *GRPCSender) Deliver(ctx context.Context, peer domain.PeerID, p domain.Particle) error {
	conn, err := s.connFor(peer)
	if err != nil {
		return err
	}

	in, err := encode(p)
	if err != nil {
		return fmt.Errorf("encode particle: %w", err)
	}
	out := new(wrapperspb.BytesValue)
	err = conn.Invoke(ctx, "/"+serviceName+"/"+deliverMethod, in, out)
	if err != nil {
		if st, ok := status.FromError(err); ok && (st.Code() == codes.Unavailable || st.Code() == codes.DeadlineExceeded) {
			return &ErrPeerUnreachable{Peer: peer, Err: err}
		}
		return fmt.Errorf("deliver to peer %s: %w", peer, err)
	}
	return nil
}

// Close closes every cached client connection.
func (s *GRPCSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
