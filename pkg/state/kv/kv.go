// Package kv is the key-value state machine: the database mutation target
// driven by committed log entries. Writes carry a request id so a write
// retried after a lost response is applied once.
package kv

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"

    "github.com/google/uuid"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

const (
    OpPut    = "put"
    OpDelete = "delete"
    OpGet    = "get"
)

// defaultDedupeWindow bounds how many request ids are remembered.
const defaultDedupeWindow = 10000

var (
    ErrEmptyKey  = errors.New("kv: empty key")
    ErrUnknownOp = errors.New("kv: unknown operation")
)

// Request is the payload of every kv operation.
type Request struct {
    ID    string `json:"id,omitempty"`
    Key   string `json:"key"`
    Value []byte `json:"value,omitempty"`
}

// NewPut returns a put request with a fresh request id.
func NewPut(key string, value []byte) Request { return Request{ID: uuid.NewString(), Key: key, Value: value} }

// NewDelete returns a delete request with a fresh request id.
func NewDelete(key string) Request { return Request{ID: uuid.NewString(), Key: key} }

// Result is returned by writes and reads. Index is the log index the result
// reflects.
type Result struct {
    Key   string     `json:"key"`
    Value []byte     `json:"value,omitempty"`
    Found bool       `json:"found"`
    Index c.LogIndex `json:"index"`
}

// Store holds the replicated key space.
type Store struct {
    mu      sync.RWMutex
    data    map[string][]byte
    applied c.LogIndex
    fence   c.Fence

    // request id -> encoded result, evicted oldest first
    seen    map[string][]byte
    order   []string
    window  int
}

func New() *Store {
    return &Store{data: make(map[string][]byte), seen: make(map[string][]byte), window: defaultDedupeWindow}
}

// Apply executes one committed command entry. Entries from a leader older
// than one already applied are rejected.
func (s *Store) Apply(e c.LogEntry) ([]byte, error) {
    var cmd c.Command
    if err := json.Unmarshal(e.Payload, &cmd); err != nil { return nil, fmt.Errorf("kv: decode command at %d: %w", e.Index, err) }
    var req Request
    if err := json.Unmarshal(cmd.Payload, &req); err != nil { return nil, fmt.Errorf("kv: decode %s request at %d: %w", cmd.Op, e.Index, err) }
    if err := s.fence.Admit(e.Token()); err != nil { return nil, err }

    s.mu.Lock()
    defer s.mu.Unlock()
    s.applied = e.Index
    if req.ID != "" {
        if prev, ok := s.seen[req.ID]; ok { return prev, nil }
    }
    if req.Key == "" { return nil, ErrEmptyKey }
    res := Result{Key: req.Key, Index: e.Index}
    switch cmd.Op {
    case OpPut:
        s.data[req.Key] = append([]byte(nil), req.Value...)
        res.Value, res.Found = req.Value, true
    case OpDelete:
        _, res.Found = s.data[req.Key]
        delete(s.data, req.Key)
    default:
        return nil, fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
    }
    out, err := json.Marshal(res)
    if err != nil { return nil, err }
    if req.ID != "" { s.remember(req.ID, out) }
    return out, nil
}

func (s *Store) remember(id string, out []byte) {
    s.seen[id] = out
    s.order = append(s.order, id)
    if len(s.order) > s.window {
        drop := s.order[0]
        s.order = s.order[1:]
        delete(s.seen, drop)
    }
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    v, ok := s.data[key]
    if !ok { return nil, false }
    return append([]byte(nil), v...), true
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := make([]string, 0, len(s.data))
    for k := range s.data { out = append(out, k) }
    sort.Strings(out)
    return out
}

// Applied returns the index of the last entry applied.
func (s *Store) Applied() c.LogIndex {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.applied
}

// Token returns the newest leader token seen on an applied entry.
func (s *Store) Token() c.FencingToken { return s.fence.Highest() }

var _ c.StateMachine = (*Store)(nil)
