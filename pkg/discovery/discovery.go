package discovery

import (
    "fmt"
    "sort"
    "strings"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

// Discovery provides seed addresses. Gossip seeds are plain host:port
// values; initial voter lists use id=host:port entries (see ParsePeers).
type Discovery interface {
    Seeds() []string
}

// Split turns a comma-separated list into trimmed, non-empty items.
func Split(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// Normalize de-duplicates and sorts seeds.
func Normalize(seeds []string) []string {
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        if _, ok := set[s]; ok { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}

// ParsePeers converts id=host:port entries into consensus peers, sorted by
// id. Duplicate ids are an error.
func ParsePeers(entries []string) ([]c.Peer, error) {
    seen := make(map[c.NodeID]bool, len(entries))
    out := make([]c.Peer, 0, len(entries))
    for _, e := range entries {
        id, addr, ok := strings.Cut(strings.TrimSpace(e), "=")
        id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
        if !ok || id == "" || addr == "" { return nil, fmt.Errorf("discovery: peer %q is not id=host:port", e) }
        if seen[c.NodeID(id)] { return nil, fmt.Errorf("discovery: duplicate peer id %q", id) }
        seen[c.NodeID(id)] = true
        out = append(out, c.Peer{ID: c.NodeID(id), Addr: addr})
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out, nil
}
