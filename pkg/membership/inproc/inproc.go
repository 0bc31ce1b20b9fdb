// Package inproc is a membership layer for nodes running in one process. A
// Hub plays the role of the gossip network: every member started on it sees
// every other member immediately.
package inproc

import (
    "context"
    "sort"
    "sync"
    "time"

    base "github.com/amirimatin/go-raftdb/pkg/membership"
)

type Hub struct {
    mu      sync.Mutex
    members map[string]*member
}

func NewHub() *Hub { return &Hub{members: make(map[string]*member)} }

// Member returns a Membership for info. It becomes visible once started.
func (h *Hub) Member(info base.MemberInfo) base.Membership {
    return &member{hub: h, info: info, evts: make(chan base.Event, 64)}
}

func (h *Hub) join(m *member) {
    h.mu.Lock()
    defer h.mu.Unlock()
    for _, o := range h.members {
        o.emit(base.Event{Type: base.EventJoin, Member: m.info, At: time.Now()})
        m.emit(base.Event{Type: base.EventJoin, Member: o.info, At: time.Now()})
    }
    h.members[m.info.ID] = m
}

func (h *Hub) leave(m *member, t base.EventType) {
    h.mu.Lock()
    defer h.mu.Unlock()
    if h.members[m.info.ID] != m { return }
    delete(h.members, m.info.ID)
    for _, o := range h.members {
        o.emit(base.Event{Type: t, Member: m.info, At: time.Now()})
    }
}

// Fail removes id as if failure detection had declared it dead.
func (h *Hub) Fail(id string) {
    h.mu.Lock()
    m := h.members[id]
    h.mu.Unlock()
    if m != nil { h.leave(m, base.EventFailed) }
}

func (h *Hub) list() []base.MemberInfo {
    h.mu.Lock()
    defer h.mu.Unlock()
    out := make([]base.MemberInfo, 0, len(h.members))
    for _, m := range h.members { out = append(out, m.info) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

type member struct {
    hub  *Hub
    info base.MemberInfo

    mu      sync.Mutex
    evts    chan base.Event
    started bool
    closed  bool
}

func (m *member) Start(ctx context.Context) error {
    m.mu.Lock()
    if m.started || m.closed {
        m.mu.Unlock()
        return nil
    }
    m.started = true
    m.mu.Unlock()
    m.hub.join(m)
    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

// Join is a no-op; the hub already connects everyone.
func (m *member) Join(seeds []string) error { return nil }

func (m *member) Local() base.MemberInfo { return m.info }

func (m *member) Members() []base.MemberInfo {
    m.mu.Lock()
    running := m.started && !m.closed
    m.mu.Unlock()
    if !running { return nil }
    return m.hub.list()
}

func (m *member) Events() <-chan base.Event { return m.evts }

func (m *member) Leave() error {
    m.hub.leave(m, base.EventLeave)
    return nil
}

func (m *member) Stop() error {
    m.hub.leave(m, base.EventLeave)
    m.mu.Lock()
    defer m.mu.Unlock()
    if !m.closed {
        m.closed = true
        close(m.evts)
    }
    return nil
}

func (m *member) emit(e base.Event) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
    }
}
