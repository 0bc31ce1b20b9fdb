package cluster

import "context"

// AppHandlers is the state machine's entry point for client operations.
// Writes are only invoked on the leader and must go through the replicated
// log; reads are served from the local applied state. Payloads are opaque
// to the cluster.
type AppHandlers interface {
    HandleWrite(ctx context.Context, op string, req []byte) (resp []byte, err error)
    HandleRead(ctx context.Context, op string, req []byte) (resp []byte, err error)
}
