package raftcons

import (
    "testing"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    sm "github.com/amirimatin/go-raftdb/pkg/state/membership"
)

func TestConfFSM_ProposeApply(t *testing.T) {
    st := sm.FromMembers(peersToMembers([]c.Peer{{ID: "n1", Addr: "127.0.0.1:1"}}))
    fsm := newConfFSM(st)

    payload, ok, err := fsm.propose(c.ConfigChange{Type: c.AddNode, ID: "n2", Addr: "127.0.0.1:2"})
    if err != nil || !ok { t.Fatalf("propose add: ok=%v err=%v", ok, err) }
    if fsm.has("n2") { t.Fatalf("propose must not change the live configuration") }

    change, changed, err := fsm.apply(c.LogEntry{Index: 4, Term: 1, Kind: c.EntryConfigChange, Payload: payload})
    if err != nil || !changed { t.Fatalf("apply add: changed=%v err=%v", changed, err) }
    if change.ID != "n2" || change.Type != c.AddNode { t.Fatalf("unexpected change %+v", change) }
    if got := fsm.voters(); len(got) != 2 || got[1].Addr != "127.0.0.1:2" { t.Fatalf("voters = %+v", got) }

    // replaying an older entry does not regress the configuration
    older, _, err := fsm.propose(c.ConfigChange{Type: c.RemoveNode, ID: "n2"})
    if err != nil { t.Fatalf("propose remove: %v", err) }
    if _, changed, _ := fsm.apply(c.LogEntry{Index: 3, Payload: older}); changed {
        t.Fatalf("entry below the configuration index was applied")
    }
    if !fsm.has("n2") { t.Fatalf("n2 lost by replay") }

    if _, changed, err := fsm.apply(c.LogEntry{Index: 5, Payload: older}); err != nil || !changed {
        t.Fatalf("apply remove: changed=%v err=%v", changed, err)
    }
    if fsm.has("n2") { t.Fatalf("n2 still a voter") }
}

func TestConfFSM_Rejections(t *testing.T) {
    fsm := newConfFSM(sm.FromMembers(peersToMembers([]c.Peer{{ID: "n1", Addr: "a"}})))
    if _, ok, err := fsm.propose(c.ConfigChange{Type: c.AddNode, ID: "n1", Addr: "a"}); ok || err != nil {
        t.Fatalf("re-adding with the same address should be a no-op: ok=%v err=%v", ok, err)
    }
    if _, ok, err := fsm.propose(c.ConfigChange{Type: c.RemoveNode, ID: "n9"}); ok || err != nil {
        t.Fatalf("removing an unknown node should be a no-op: ok=%v err=%v", ok, err)
    }
    if _, _, err := fsm.propose(c.ConfigChange{Type: c.RemoveNode, ID: "n1"}); err == nil {
        t.Fatalf("expected error removing the last voter")
    }
    if _, _, err := fsm.propose(c.ConfigChange{Type: c.AddNode, ID: "n2"}); err == nil {
        t.Fatalf("expected error adding without address")
    }
    if _, _, err := fsm.apply(c.LogEntry{Index: 1, Payload: []byte("{")}); err == nil {
        t.Fatalf("expected decode error")
    }
}
