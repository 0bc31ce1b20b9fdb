package membership

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"

    m "github.com/amirimatin/go-raftdb/pkg/membership"
    base "github.com/amirimatin/go-raftdb/pkg/state"
)

// State is the in-memory voter configuration. Addr is the member's consensus
// RPC address.
type State struct {
    mu      sync.RWMutex
    index   uint64
    members map[string]m.MemberInfo
}

func New() *State { return &State{members: make(map[string]m.MemberInfo)} }

// FromMembers builds a state holding members at index 0.
func FromMembers(members []m.MemberInfo) *State {
    s := New()
    s.Reset(0, members)
    return s
}

func (s *State) ApplyAddNode(n m.MemberInfo) error {
    if n.ID == "" { return fmt.Errorf("state: empty node id") }
    s.mu.Lock(); defer s.mu.Unlock()
    s.members[n.ID] = n
    return nil
}

func (s *State) ApplyRemoveNode(nodeID string) error {
    if nodeID == "" { return fmt.Errorf("state: empty node id") }
    s.mu.Lock(); defer s.mu.Unlock()
    delete(s.members, nodeID)
    return nil
}

// Reset replaces the whole configuration with members as of log index.
func (s *State) Reset(index uint64, members []m.MemberInfo) {
    s.mu.Lock(); defer s.mu.Unlock()
    s.index = index
    s.members = make(map[string]m.MemberInfo, len(members))
    for _, v := range members {
        if v.ID == "" { continue }
        s.members[v.ID] = v
    }
}

// Members returns the voters sorted by ID.
func (s *State) Members() []m.MemberInfo {
    s.mu.RLock(); defer s.mu.RUnlock()
    arr := make([]m.MemberInfo, 0, len(s.members))
    for _, v := range s.members { arr = append(arr, v) }
    sort.Slice(arr, func(i, j int) bool { return arr[i].ID < arr[j].ID })
    return arr
}

// Has reports whether id is a voter.
func (s *State) Has(id string) bool {
    s.mu.RLock(); defer s.mu.RUnlock()
    _, ok := s.members[id]
    return ok
}

func (s *State) Index() uint64 {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.index
}

// Clone returns an independent copy, used to compute a proposed configuration
// without touching the live one.
func (s *State) Clone() *State {
    c := New()
    c.Reset(s.Index(), s.Members())
    return c
}

type snapshot struct {
    Version int            `json:"version"`
    Index   uint64         `json:"index"`
    Members []m.MemberInfo `json:"members"`
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (s *State) Snapshot() ([]byte, error) {
    arr := s.Members()
    return json.Marshal(snapshot{Version: 1, Index: s.Index(), Members: arr})
}

func (s *State) Restore(buf []byte) error {
    var snap snapshot
    if err := json.Unmarshal(buf, &snap); err != nil {
        return err
    }
    if snap.Version != 1 { return fmt.Errorf("state: unsupported snapshot version %d", snap.Version) }
    s.Reset(snap.Index, snap.Members)
    return nil
}

// Ensure interface satisfaction at compile-time.
var _ base.MembershipState = (*State)(nil)
