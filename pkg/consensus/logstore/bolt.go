package logstore

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sync"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

// FileName is the bolt database created inside a node's data directory.
const FileName = "raft.db"

var (
    keyHardState = []byte("hardstate")
    keyConf      = []byte("conf")
)

// Bolt is a durable Store backed by a single bolt file. Log entries live in
// the raft-boltdb logs bucket; hard state and configuration in its conf
// bucket. Every write is fsynced before returning.
type Bolt struct {
    mu       sync.RWMutex
    db       *raftboltdb.BoltStore
    last     c.LogIndex
    lastTerm c.Term
}

// OpenBolt opens (or creates) dir/raft.db.
func OpenBolt(dir string) (*Bolt, error) {
    if dir == "" { return nil, fmt.Errorf("logstore: empty data dir") }
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, err }
    db, err := raftboltdb.NewBoltStore(filepath.Join(dir, FileName))
    if err != nil { return nil, err }
    b := &Bolt{db: db}
    last, err := db.LastIndex()
    if err != nil { _ = db.Close(); return nil, err }
    b.last = c.LogIndex(last)
    if last > 0 {
        e, err := b.get(b.last)
        if err != nil { _ = db.Close(); return nil, err }
        b.lastTerm = e.Term
    }
    return b, nil
}

func (b *Bolt) LastIndex() c.LogIndex {
    b.mu.RLock(); defer b.mu.RUnlock()
    return b.last
}

func (b *Bolt) LastTerm() c.Term {
    b.mu.RLock(); defer b.mu.RUnlock()
    return b.lastTerm
}

func (b *Bolt) Entry(i c.LogIndex) (c.LogEntry, error) {
    b.mu.RLock(); defer b.mu.RUnlock()
    if i == 0 || i > b.last { return c.LogEntry{}, ErrNotFound }
    return b.get(i)
}

func (b *Bolt) TermAt(i c.LogIndex) (c.Term, error) {
    if i == 0 { return 0, nil }
    e, err := b.Entry(i)
    if err != nil { return 0, err }
    return e.Term, nil
}

func (b *Bolt) Entries(from, to c.LogIndex) ([]c.LogEntry, error) {
    b.mu.RLock(); defer b.mu.RUnlock()
    if from == 0 { from = 1 }
    if to > b.last { to = b.last }
    if from > to { return nil, nil }
    out := make([]c.LogEntry, 0, to-from+1)
    for i := from; i <= to; i++ {
        e, err := b.get(i)
        if err != nil { return nil, err }
        out = append(out, e)
    }
    return out, nil
}

func (b *Bolt) Append(entries ...c.LogEntry) error {
    if len(entries) == 0 { return nil }
    b.mu.Lock(); defer b.mu.Unlock()
    if err := checkContiguous(b.last, entries); err != nil { return err }
    logs := make([]*raft.Log, len(entries))
    for i := range entries { logs[i] = toRaftLog(entries[i]) }
    if err := b.db.StoreLogs(logs); err != nil { return err }
    tail := entries[len(entries)-1]
    b.last, b.lastTerm = tail.Index, tail.Term
    return nil
}

func (b *Bolt) TruncateFrom(i c.LogIndex) error {
    b.mu.Lock(); defer b.mu.Unlock()
    if i == 0 { i = 1 }
    if i > b.last { return nil }
    if err := b.db.DeleteRange(uint64(i), uint64(b.last)); err != nil { return err }
    b.last = i - 1
    b.lastTerm = 0
    if b.last > 0 {
        e, err := b.get(b.last)
        if err != nil { return err }
        b.lastTerm = e.Term
    }
    return nil
}

func (b *Bolt) HardState() (HardState, error) {
    var hs HardState
    raw, err := b.db.Get(keyHardState)
    if errors.Is(err, raftboltdb.ErrKeyNotFound) { return hs, nil }
    if err != nil { return hs, err }
    if err := json.Unmarshal(raw, &hs); err != nil { return hs, fmt.Errorf("logstore: decode hard state: %w", err) }
    return hs, nil
}

// SetHardState writes term and vote under one key so they change atomically.
func (b *Bolt) SetHardState(hs HardState) error {
    raw, err := json.Marshal(hs)
    if err != nil { return err }
    return b.db.Set(keyHardState, raw)
}

func (b *Bolt) Configuration() ([]byte, error) {
    raw, err := b.db.Get(keyConf)
    if errors.Is(err, raftboltdb.ErrKeyNotFound) { return nil, nil }
    return raw, err
}

func (b *Bolt) SetConfiguration(raw []byte) error { return b.db.Set(keyConf, raw) }

func (b *Bolt) Close() error { return b.db.Close() }

func (b *Bolt) get(i c.LogIndex) (c.LogEntry, error) {
    var l raft.Log
    if err := b.db.GetLog(uint64(i), &l); err != nil {
        if errors.Is(err, raft.ErrLogNotFound) { return c.LogEntry{}, ErrNotFound }
        return c.LogEntry{}, err
    }
    return fromRaftLog(&l), nil
}

func toRaftLog(e c.LogEntry) *raft.Log {
    l := &raft.Log{Index: uint64(e.Index), Term: uint64(e.Term), Data: e.Payload, Extensions: []byte(e.Leader)}
    switch e.Kind {
    case c.EntryNoop:
        l.Type = raft.LogNoop
    case c.EntryConfigChange:
        l.Type = raft.LogConfiguration
    default:
        l.Type = raft.LogCommand
    }
    return l
}

func fromRaftLog(l *raft.Log) c.LogEntry {
    e := c.LogEntry{Index: c.LogIndex(l.Index), Term: c.Term(l.Term), Payload: l.Data, Leader: c.NodeID(l.Extensions)}
    switch l.Type {
    case raft.LogNoop:
        e.Kind = c.EntryNoop
    case raft.LogConfiguration:
        e.Kind = c.EntryConfigChange
    default:
        e.Kind = c.EntryCommand
    }
    if len(e.Payload) == 0 { e.Payload = nil }
    return e
}

var _ Store = (*Bolt)(nil)
