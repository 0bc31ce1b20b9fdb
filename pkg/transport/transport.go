package transport

import (
    "context"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

// Transport delivers consensus RPCs to peers. It is unreliable: any error
// (unreachable peer, timeout, decode failure) means the message was dropped
// and the caller retries on its next tick. Implementations wrap such errors
// with consensus.ErrTransport.
type Transport interface {
    // Addr returns the local peer RPC address advertised to other nodes.
    Addr() string
    // Send delivers msg to the peer and returns its response. ctx bounds the
    // whole round trip.
    Send(ctx context.Context, to c.Peer, msg c.Message) (c.Message, error)
}

// Handler processes an inbound consensus RPC and returns the response.
type Handler interface {
    Handle(ctx context.Context, msg c.Message) (c.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg c.Message) (c.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg c.Message) (c.Message, error) { return f(ctx, msg) }

// PeerServer accepts consensus RPCs from peers and dispatches them to h.
type PeerServer interface {
    Serve(ctx context.Context, h Handler) error
    Addr() string
    Stop(ctx context.Context) error
}
