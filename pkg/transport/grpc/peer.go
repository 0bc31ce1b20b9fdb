package grpc

import (
    "context"
    "crypto/tls"
    "fmt"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/status"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

const consensusService = "raft.v1.Consensus"

// PeerTransport sends consensus RPCs to other nodes over gRPC. Connections
// are cached per peer address.
type PeerTransport struct {
    addr   string
    tlsCfg *tls.Config
    once   sync.Once
    cm     *ConnManager
}

// NewPeerTransport returns a transport advertising addr as the local peer
// RPC address.
func NewPeerTransport(addr string) *PeerTransport { return &PeerTransport{addr: addr} }

// UseTLS sets TLS config for outbound peer connections. Call before the
// first Send.
func (t *PeerTransport) UseTLS(cfg *tls.Config) *PeerTransport { t.tlsCfg = cfg; return t }

func (t *PeerTransport) Addr() string { return t.addr }

func (t *PeerTransport) conns() *ConnManager {
    t.once.Do(func() { t.cm = NewConnManager(time.Minute, lazyDialer(t.tlsCfg)) })
    return t.cm
}

// Send performs one RPC round trip. Every failure wraps consensus.ErrTransport.
func (t *PeerTransport) Send(ctx context.Context, to c.Peer, msg c.Message) (c.Message, error) {
    var (
        method string
        resp   c.Message
    )
    switch msg.(type) {
    case *c.AppendEntriesRequest:
        method, resp = "AppendEntries", new(c.AppendEntriesResponse)
    case *c.RequestVoteRequest:
        method, resp = "RequestVote", new(c.RequestVoteResponse)
    case *c.InstallSnapshotRequest:
        method, resp = "InstallSnapshot", new(c.InstallSnapshotResponse)
    default:
        return nil, fmt.Errorf("%w: cannot send %T", c.ErrTransport, msg)
    }
    cc, rel, err := t.conns().Get(ctx, to.Addr)
    if err != nil { return nil, fmt.Errorf("%w: dial %s: %v", c.ErrTransport, to.Addr, err) }
    defer rel()
    if err := cc.Invoke(ctx, "/"+consensusService+"/"+method, msg, resp, grpc.WaitForReady(true)); err != nil {
        return nil, fmt.Errorf("%w: %s %s: %v", c.ErrTransport, to.Addr, method, err)
    }
    return resp, nil
}

// Close releases all cached peer connections.
func (t *PeerTransport) Close() {
    if t.cm != nil { t.cm.Close() }
}

// PeerServer serves the consensus service for one node.
type PeerServer struct {
    bind   string
    tlsCfg *tls.Config

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewPeerServer(bind string) *PeerServer { return &PeerServer{bind: bind} }

// UseTLS enables TLS for inbound peer connections.
func (s *PeerServer) UseTLS(cfg *tls.Config) *PeerServer { s.tlsCfg = cfg; return s }

// Serve starts listening and dispatches every inbound RPC to h. It returns
// once the listener is bound; the server stops when ctx is done.
func (s *PeerServer) Serve(ctx context.Context, h transport.Handler) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    srv := grpc.NewServer(serverOptions(s.tlsCfg)...)
    srv.RegisterService(&consensusServiceDesc, &consensusImpl{h: h})
    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(stopCtx)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address once serving, so ":0" binds report the
// chosen port.
func (s *PeerServer) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *PeerServer) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    gracefulStop(ctx, srv)
    return nil
}

type consensusServer interface {
    handle(ctx context.Context, in c.Message) (any, error)
}

type consensusImpl struct{ h transport.Handler }

func (p *consensusImpl) handle(ctx context.Context, in c.Message) (any, error) {
    out, err := p.h.Handle(ctx, in)
    if err != nil { return nil, status.Error(codes.Unavailable, err.Error()) }
    return out, nil
}

func handleConsensus[Req any, PReq interface {
    *Req
    c.Message
}](method string) grpc.MethodDesc {
    return unary[Req](consensusService, method, func(srv any, ctx context.Context, in *Req) (any, error) {
        return srv.(consensusServer).handle(ctx, PReq(in))
    })
}

var consensusServiceDesc = grpc.ServiceDesc{
    ServiceName: consensusService,
    HandlerType: (*consensusServer)(nil),
    Methods: []grpc.MethodDesc{
        handleConsensus[c.AppendEntriesRequest]("AppendEntries"),
        handleConsensus[c.RequestVoteRequest]("RequestVote"),
        handleConsensus[c.InstallSnapshotRequest]("InstallSnapshot"),
    },
}

// unary builds a method descriptor that decodes into a fresh *Req and runs
// call, honoring any server interceptor.
func unary[Req any](service, method string, call func(srv any, ctx context.Context, in *Req) (any, error)) grpc.MethodDesc {
    full := "/" + service + "/" + method
    return grpc.MethodDesc{
        MethodName: method,
        Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            if interceptor == nil { return call(srv, ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
            return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
                return call(srv, ctx, req.(*Req))
            })
        },
    }
}

var (
    _ transport.Transport  = (*PeerTransport)(nil)
    _ transport.PeerServer = (*PeerServer)(nil)
)
