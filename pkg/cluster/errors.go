package cluster

import "errors"

var (
    ErrNotLeader     = errors.New("cluster: not leader")
    ErrLeaderUnknown = errors.New("cluster: leader unknown")
    ErrNoAppHandlers = errors.New("cluster: no app handlers")
    ErrNoRPCClient   = errors.New("cluster: no RPC client configured")
    ErrJoinRejected  = errors.New("cluster: join rejected")
)
