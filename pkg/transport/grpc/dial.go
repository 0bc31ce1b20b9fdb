package grpc

import (
    "context"
    "crypto/tls"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
)

func dialOptions(tlsCfg *tls.Config) []grpc.DialOption {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return opts
}

// lazyDialer returns connections that connect in the background; the first
// RPC waits for readiness within its own deadline.
func lazyDialer(tlsCfg *tls.Config) Dialer {
    return func(_ context.Context, target string) (*grpc.ClientConn, error) {
        return grpc.NewClient(target, dialOptions(tlsCfg)...)
    }
}

func serverOptions(tlsCfg *tls.Config) []grpc.ServerOption {
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg))) }
    return opts
}

// gracefulStop stops srv, forcing it once ctx is done.
func gracefulStop(ctx context.Context, srv *grpc.Server) {
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
}
