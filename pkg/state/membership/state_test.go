package membership

import (
    "testing"

    m "github.com/amirimatin/go-raftdb/pkg/membership"
)

func TestState_AddRemoveSnapshotRestore(t *testing.T) {
    s := New()

    n1 := m.MemberInfo{ID: "n1", Addr: "127.0.0.1:1001", Meta: map[string]string{"ver":"0.1.0"}}
    n2 := m.MemberInfo{ID: "n2", Addr: "127.0.0.1:1002"}

    if err := s.ApplyAddNode(n1); err != nil {
        t.Fatalf("add n1: %v", err)
    }
    if err := s.ApplyAddNode(n2); err != nil {
        t.Fatalf("add n2: %v", err)
    }

    snap, err := s.Snapshot()
    if err != nil {
        t.Fatalf("snapshot: %v", err)
    }
    if len(snap) == 0 { t.Fatalf("empty snapshot") }

    if err := s.ApplyRemoveNode("n1"); err != nil {
        t.Fatalf("remove n1: %v", err)
    }
    if s.Has("n1") { t.Fatalf("n1 still a voter") }

    // Restore from the first snapshot and ensure n1 returns.
    s2 := New()
    if err := s2.Restore(snap); err != nil {
        t.Fatalf("restore: %v", err)
    }
    snap2, err := s2.Snapshot()
    if err != nil {
        t.Fatalf("snapshot2: %v", err)
    }
    if string(snap2) != string(snap) {
        t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", string(snap2), string(snap))
    }
}

func TestState_ResetAndClone(t *testing.T) {
    s := FromMembers([]m.MemberInfo{{ID: "b", Addr: "b:1"}, {ID: "a", Addr: "a:1"}, {}})
    if got := s.Members(); len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
        t.Fatalf("unexpected members: %+v", got)
    }
    if s.Index() != 0 { t.Fatalf("index = %d", s.Index()) }

    next := s.Clone()
    if err := next.ApplyAddNode(m.MemberInfo{ID: "c", Addr: "c:1"}); err != nil { t.Fatalf("add: %v", err) }
    if s.Has("c") { t.Fatalf("clone mutated the original") }

    s.Reset(7, next.Members())
    if s.Index() != 7 || !s.Has("c") { t.Fatalf("reset not applied: index=%d members=%+v", s.Index(), s.Members()) }
}

func TestState_RestoreRejectsUnknownVersion(t *testing.T) {
    if err := New().Restore([]byte(`{"version":9,"members":[]}`)); err == nil {
        t.Fatalf("expected version error")
    }
}

func TestState_ErrorsOnEmptyID(t *testing.T) {
    s := New()
    if err := s.ApplyAddNode(m.MemberInfo{}); err == nil {
        t.Fatalf("expected error on empty id")
    }
    if err := s.ApplyRemoveNode(""); err == nil {
        t.Fatalf("expected error on empty id for remove")
    }
}
