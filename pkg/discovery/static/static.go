package static

import (
    "strings"

    "github.com/amirimatin/go-raftdb/pkg/discovery"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds, in order.
func New(seeds ...string) discovery.Discovery {
    cleaned := make([]string, 0, len(seeds))
    for _, v := range seeds {
        if v = strings.TrimSpace(v); v != "" { cleaned = append(cleaned, v) }
    }
    return &staticSeeds{seeds: cleaned}
}

// Parse converts a comma-separated list into seeds.
func Parse(csv string) []string { return discovery.Split(csv) }
