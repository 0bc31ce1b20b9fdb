package inproc

import (
    "context"
    "testing"

    base "github.com/amirimatin/go-raftdb/pkg/membership"
)

func TestHub_JoinLeaveFail(t *testing.T) {
    ctx := context.Background()
    hub := NewHub()
    a := hub.Member(base.MemberInfo{ID: "a", Meta: map[string]string{base.MetaRaft: "ra"}})
    b := hub.Member(base.MemberInfo{ID: "b"})
    c := hub.Member(base.MemberInfo{ID: "c"})
    if got := a.Members(); got != nil { t.Fatalf("members before start: %v", got) }
    for _, m := range []base.Membership{a, b, c} {
        if err := m.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    }
    if got := b.Members(); len(got) != 3 || got[0].ID != "a" { t.Fatalf("members = %v", got) }

    // b learns about a at start
    ev := <-b.Events()
    if ev.Type != base.EventJoin || ev.Member.ID != "a" || ev.Member.RaftAddr() != "ra" { t.Fatalf("unexpected event %+v", ev) }

    hub.Fail("c")
    for ev := range a.Events() {
        if ev.Member.ID == "c" && ev.Type == base.EventFailed { break }
    }
    if err := b.Stop(); err != nil { t.Fatalf("stop: %v", err) }
    if _, ok := <-b.Events(); ok {
        // drain buffered events; channel must end closed
        for range b.Events() {}
    }
    if got := a.Members(); len(got) != 1 { t.Fatalf("members after leave/fail = %v", got) }
}
