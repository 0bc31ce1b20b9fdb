package discovery

import (
    "testing"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

func TestParsePeers(t *testing.T) {
    got, err := ParsePeers([]string{" n2=10.0.0.2:7001", "n1 = 10.0.0.1:7001"})
    if err != nil { t.Fatalf("ParsePeers: %v", err) }
    want := []c.Peer{{ID: "n1", Addr: "10.0.0.1:7001"}, {ID: "n2", Addr: "10.0.0.2:7001"}}
    if len(got) != 2 || got[0] != want[0] || got[1] != want[1] { t.Fatalf("got %#v", got) }

    for _, bad := range [][]string{{"n1"}, {"=x:1"}, {"n1="}, {"n1=a:1", "n1=b:2"}} {
        if _, err := ParsePeers(bad); err == nil { t.Fatalf("expected error for %q", bad) }
    }
}

func TestSplitAndNormalize(t *testing.T) {
    if got := Split(",, a:1 , ,b:2,"); len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" { t.Fatalf("Split: %#v", got) }
    if got := Split(""); got != nil { t.Fatalf("Split empty: %#v", got) }
    got := Normalize([]string{"b:2", "a:1", "b:2"})
    if len(got) != 2 || got[0] != "a:1" { t.Fatalf("Normalize: %#v", got) }
}
