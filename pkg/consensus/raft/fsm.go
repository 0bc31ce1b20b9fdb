package raftcons

import (
    "encoding/json"
    "fmt"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    m "github.com/amirimatin/go-raftdb/pkg/membership"
    base "github.com/amirimatin/go-raftdb/pkg/state"
    sm "github.com/amirimatin/go-raftdb/pkg/state/membership"
)

// confChange is the payload of a configuration entry: the requested change
// plus the full voter set that results from it, so a node that joins late
// learns the whole configuration from a single entry.
type confChange struct {
    c.ConfigChange
    Voters []c.Peer `json:"voters"`
}

// confFSM bridges configuration entries to the voter MembershipState.
type confFSM struct {
    ms base.MembershipState
}

func newConfFSM(ms base.MembershipState) *confFSM { return &confFSM{ms: ms} }

func (f *confFSM) voters() []c.Peer {
    members := f.ms.Members()
    out := make([]c.Peer, len(members))
    for i, mi := range members { out[i] = c.Peer{ID: c.NodeID(mi.ID), Addr: mi.Addr} }
    return out
}

func (f *confFSM) has(id c.NodeID) bool {
    for _, mi := range f.ms.Members() {
        if mi.ID == string(id) { return true }
    }
    return false
}

func (f *confFSM) addr(id c.NodeID) string {
    for _, mi := range f.ms.Members() {
        if mi.ID == string(id) { return mi.Addr }
    }
    return ""
}

// propose computes the entry payload for change without modifying the live
// configuration. ok is false when the change would be a no-op.
func (f *confFSM) propose(change c.ConfigChange) (payload []byte, ok bool, err error) {
    next := sm.FromMembers(f.ms.Members())
    switch change.Type {
    case c.AddNode:
        if change.Addr == "" { return nil, false, fmt.Errorf("raftcons: add %s: empty address", change.ID) }
        if f.addr(change.ID) == change.Addr { return nil, false, nil }
        err = next.ApplyAddNode(m.MemberInfo{ID: string(change.ID), Addr: change.Addr})
    case c.RemoveNode:
        if !f.has(change.ID) { return nil, false, nil }
        err = next.ApplyRemoveNode(string(change.ID))
    default:
        return nil, false, fmt.Errorf("raftcons: unknown config change %q", change.Type)
    }
    if err != nil { return nil, false, err }
    if len(next.Members()) == 0 { return nil, false, fmt.Errorf("raftcons: cannot remove the last voter") }
    cc := confChange{ConfigChange: change}
    for _, mi := range next.Members() { cc.Voters = append(cc.Voters, c.Peer{ID: c.NodeID(mi.ID), Addr: mi.Addr}) }
    payload, err = json.Marshal(cc)
    return payload, err == nil, err
}

// apply installs the voter set carried by e. Entries at or below the index
// the state already reflects are skipped, which keeps replay after restart
// from regressing to an older configuration.
func (f *confFSM) apply(e c.LogEntry) (c.ConfigChange, bool, error) {
    var cc confChange
    if err := json.Unmarshal(e.Payload, &cc); err != nil {
        return c.ConfigChange{}, false, fmt.Errorf("raftcons: decode config entry %d: %w", e.Index, err)
    }
    if uint64(e.Index) <= f.ms.Index() { return cc.ConfigChange, false, nil }
    members := make([]m.MemberInfo, len(cc.Voters))
    for i, p := range cc.Voters { members[i] = m.MemberInfo{ID: string(p.ID), Addr: p.Addr} }
    f.ms.Reset(uint64(e.Index), members)
    return cc.ConfigChange, true, nil
}

func (f *confFSM) snapshot() ([]byte, error) { return f.ms.Snapshot() }

func peersToMembers(peers []c.Peer) []m.MemberInfo {
    out := make([]m.MemberInfo, len(peers))
    for i, p := range peers { out[i] = m.MemberInfo{ID: string(p.ID), Addr: p.Addr} }
    return out
}

var _ base.MembershipState = (*sm.State)(nil)
