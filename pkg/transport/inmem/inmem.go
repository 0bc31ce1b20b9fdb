// Package inmem is an in-process transport for tests and simulation. A
// Network connects any number of endpoints and can partition them, drop
// messages at random and add latency.
package inmem

import (
    "context"
    "fmt"
    "math/rand/v2"
    "sync"
    "time"

    "github.com/puzpuzpuz/xsync/v3"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

// Network routes messages between endpoints by address.
type Network struct {
    handlers *xsync.MapOf[string, transport.Handler]

    mu       sync.RWMutex
    group    map[string]int
    isolated map[string]bool
    dropRate float64
    delay    time.Duration
    rnd      *rand.Rand
}

func NewNetwork() *Network {
    return &Network{
        handlers: xsync.NewMapOf[string, transport.Handler](),
        isolated: make(map[string]bool),
        rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 7)),
    }
}

// Endpoint returns the transport bound to addr. It can both send and, once
// Serve is called, receive.
func (n *Network) Endpoint(addr string) *Endpoint { return &Endpoint{net: n, addr: addr} }

// Partition splits the network into groups of addresses; messages only flow
// within a group. Addresses not listed can reach each other but no group.
func (n *Network) Partition(groups ...[]string) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.group = make(map[string]int)
    for i, g := range groups {
        for _, a := range g { n.group[a] = i + 1 }
    }
}

// Isolate cuts addr off from everyone until Heal.
func (n *Network) Isolate(addr string) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.isolated[addr] = true
}

// Heal removes all partitions and isolations.
func (n *Network) Heal() {
    n.mu.Lock(); defer n.mu.Unlock()
    n.group = nil
    n.isolated = make(map[string]bool)
}

// SetDropRate makes each message (and each reply) fail with probability p.
func (n *Network) SetDropRate(p float64) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.dropRate = p
}

// SetDelay adds one-way latency to every delivery.
func (n *Network) SetDelay(d time.Duration) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.delay = d
}

func (n *Network) reachable(from, to string) bool {
    n.mu.RLock(); defer n.mu.RUnlock()
    if n.isolated[from] || n.isolated[to] { return false }
    return n.group[from] == n.group[to]
}

func (n *Network) dropped() bool {
    n.mu.Lock(); defer n.mu.Unlock()
    return n.dropRate > 0 && n.rnd.Float64() < n.dropRate
}

func (n *Network) latency() time.Duration {
    n.mu.RLock(); defer n.mu.RUnlock()
    return n.delay
}

// Endpoint is one address on a Network.
type Endpoint struct {
    net  *Network
    addr string
}

func (e *Endpoint) Addr() string { return e.addr }

// Send delivers a copy of msg to the handler registered at to.Addr.
func (e *Endpoint) Send(ctx context.Context, to c.Peer, msg c.Message) (c.Message, error) {
    if err := e.hop(ctx, e.addr, to.Addr); err != nil { return nil, err }
    h, ok := e.net.handlers.Load(to.Addr)
    if !ok { return nil, fmt.Errorf("%w: %s unreachable", c.ErrTransport, to.Addr) }
    resp, err := h.Handle(ctx, clone(msg))
    if err != nil { return nil, fmt.Errorf("%w: %s: %v", c.ErrTransport, to.Addr, err) }
    if err := e.hop(ctx, to.Addr, e.addr); err != nil { return nil, err }
    return clone(resp), nil
}

func (e *Endpoint) hop(ctx context.Context, from, to string) error {
    if d := e.net.latency(); d > 0 {
        t := time.NewTimer(d)
        defer t.Stop()
        select {
        case <-t.C:
        case <-ctx.Done():
            return fmt.Errorf("%w: %v", c.ErrTransport, ctx.Err())
        }
    }
    if !e.net.reachable(from, to) { return fmt.Errorf("%w: %s -> %s partitioned", c.ErrTransport, from, to) }
    if e.net.dropped() { return fmt.Errorf("%w: %s -> %s dropped", c.ErrTransport, from, to) }
    return ctx.Err()
}

// Serve registers h to receive messages sent to this endpoint.
func (e *Endpoint) Serve(ctx context.Context, h transport.Handler) error {
    e.net.handlers.Store(e.addr, h)
    return nil
}

// Stop unregisters the endpoint; later sends to it fail.
func (e *Endpoint) Stop(ctx context.Context) error {
    e.net.handlers.Delete(e.addr)
    return nil
}

// clone copies a message the way a wire would, so sender and receiver never
// share mutable state.
func clone(m c.Message) c.Message {
    switch v := m.(type) {
    case *c.AppendEntriesRequest:
        cp := *v
        if v.Entries != nil {
            cp.Entries = make([]c.LogEntry, len(v.Entries))
            for i, e := range v.Entries {
                e.Payload = append([]byte(nil), e.Payload...)
                cp.Entries[i] = e
            }
        }
        return &cp
    case *c.AppendEntriesResponse:
        cp := *v
        return &cp
    case *c.RequestVoteRequest:
        cp := *v
        return &cp
    case *c.RequestVoteResponse:
        cp := *v
        return &cp
    case *c.InstallSnapshotRequest:
        cp := *v
        cp.Data = append([]byte(nil), v.Data...)
        return &cp
    case *c.InstallSnapshotResponse:
        cp := *v
        return &cp
    }
    return m
}

var (
    _ transport.Transport  = (*Endpoint)(nil)
    _ transport.PeerServer = (*Endpoint)(nil)
)
