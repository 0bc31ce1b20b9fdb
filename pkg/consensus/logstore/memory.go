package logstore

import (
    "sync"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

// Memory is an in-memory Store. Nothing survives a restart.
type Memory struct {
    mu     sync.RWMutex
    log    []c.LogEntry
    hs     HardState
    conf   []byte
    closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LastIndex() c.LogIndex {
    m.mu.RLock(); defer m.mu.RUnlock()
    return c.LogIndex(len(m.log))
}

func (m *Memory) LastTerm() c.Term {
    m.mu.RLock(); defer m.mu.RUnlock()
    if len(m.log) == 0 { return 0 }
    return m.log[len(m.log)-1].Term
}

func (m *Memory) Entry(i c.LogIndex) (c.LogEntry, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    if i == 0 || int(i) > len(m.log) { return c.LogEntry{}, ErrNotFound }
    return m.log[i-1], nil
}

func (m *Memory) TermAt(i c.LogIndex) (c.Term, error) {
    if i == 0 { return 0, nil }
    e, err := m.Entry(i)
    if err != nil { return 0, err }
    return e.Term, nil
}

func (m *Memory) Entries(from, to c.LogIndex) ([]c.LogEntry, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    if from == 0 { from = 1 }
    if int(to) > len(m.log) { to = c.LogIndex(len(m.log)) }
    if from > to { return nil, nil }
    out := make([]c.LogEntry, to-from+1)
    copy(out, m.log[from-1:to])
    return out, nil
}

func (m *Memory) Append(entries ...c.LogEntry) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return ErrClosed }
    if err := checkContiguous(c.LogIndex(len(m.log)), entries); err != nil { return err }
    m.log = append(m.log, entries...)
    return nil
}

func (m *Memory) TruncateFrom(i c.LogIndex) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return ErrClosed }
    if i == 0 { i = 1 }
    if int(i) > len(m.log) { return nil }
    // zero the tail so dropped payloads can be collected
    for k := int(i) - 1; k < len(m.log); k++ { m.log[k] = c.LogEntry{} }
    m.log = m.log[:i-1]
    return nil
}

func (m *Memory) HardState() (HardState, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    return m.hs, nil
}

func (m *Memory) SetHardState(hs HardState) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return ErrClosed }
    m.hs = hs
    return nil
}

func (m *Memory) Configuration() ([]byte, error) {
    m.mu.RLock(); defer m.mu.RUnlock()
    return append([]byte(nil), m.conf...), nil
}

func (m *Memory) SetConfiguration(b []byte) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return ErrClosed }
    m.conf = append([]byte(nil), b...)
    return nil
}

func (m *Memory) Close() error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.closed = true
    return nil
}

var _ Store = (*Memory)(nil)
