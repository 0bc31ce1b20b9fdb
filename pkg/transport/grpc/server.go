package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"

    "github.com/amirimatin/go-raftdb/pkg/observability/tracing"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

const managementService = "raftdb.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
    AppWrite(ctx context.Context, in *transport.AppWriteRequest) (*transport.AppWriteResponse, error)
    AppRead(ctx context.Context, in *transport.AppReadRequest) (*transport.AppReadResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if m.h.Status == nil { return &statusBlob{Data: []byte("{}")}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if m.h.Join == nil { return &transport.JoinResponse{Error: "join not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join", "id", in.ID)
    defer end()
    out, err := m.h.Join(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if m.h.Leave == nil { return &transport.LeaveResponse{Error: "leave not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave", "id", in.ID)
    defer end()
    out, err := m.h.Leave(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) AppWrite(ctx context.Context, in *transport.AppWriteRequest) (*transport.AppWriteResponse, error) {
    if m.h.Write == nil { return &transport.AppWriteResponse{Error: "write not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.write", "op", in.Op)
    defer end()
    out, err := m.h.Write(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) AppRead(ctx context.Context, in *transport.AppReadRequest) (*transport.AppReadResponse, error) {
    if m.h.Read == nil { return &transport.AppReadResponse{Error: "read not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.read", "op", in.Op)
    defer end()
    out, err := m.h.Read(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

var managementServiceDesc = grpc.ServiceDesc{
    ServiceName: managementService,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        unary(managementService, "GetStatus", func(srv any, ctx context.Context, in *empty) (any, error) {
            return srv.(managementServer).GetStatus(ctx, in)
        }),
        unary(managementService, "Join", func(srv any, ctx context.Context, in *transport.JoinRequest) (any, error) {
            return srv.(managementServer).Join(ctx, in)
        }),
        unary(managementService, "Leave", func(srv any, ctx context.Context, in *transport.LeaveRequest) (any, error) {
            return srv.(managementServer).Leave(ctx, in)
        }),
        unary(managementService, "AppWrite", func(srv any, ctx context.Context, in *transport.AppWriteRequest) (any, error) {
            return srv.(managementServer).AppWrite(ctx, in)
        }),
        unary(managementService, "AppRead", func(srv any, ctx context.Context, in *transport.AppReadRequest) (any, error) {
            return srv.(managementServer).AppRead(ctx, in)
        }),
    },
}

// Start binds the listener and serves the management and health services
// until ctx is done.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    srv := grpc.NewServer(serverOptions(s.tlsCfg)...)
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&managementServiceDesc, &mgmtImpl{h: h})
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

func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    gracefulStop(ctx, srv)
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
