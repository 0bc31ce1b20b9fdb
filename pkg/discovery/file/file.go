package file

import (
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-raftdb/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file (or glob) with one seed per line or comma-separated
    // lists. Lines starting with # are ignored.
    Path string
    // Env names an environment variable that overrides the file when set.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
    i.mu.Lock()
    defer i.mu.Unlock()
    if i.opts.Env != "" {
        if v := os.Getenv(i.opts.Env); strings.TrimSpace(v) != "" { return discovery.Normalize(discovery.Split(v)) }
    }
    if i.opts.Path == "" { return nil }

    now := time.Now()
    if st, err := os.Stat(i.opts.Path); err == nil {
        if st.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            if seeds, err := loadFile(i.opts.Path); err == nil { i.cache = seeds }
            i.last, i.mtime = now, st.ModTime()
        }
        return append([]string(nil), i.cache...)
    }

    // not a plain file: treat the path as a glob
    if now.Sub(i.last) >= i.opts.Refresh || i.cache == nil {
        matches, _ := filepath.Glob(i.opts.Path)
        var all []string
        for _, m := range matches {
            if seeds, err := loadFile(m); err == nil { all = append(all, seeds...) }
        }
        if len(matches) > 0 { i.cache = discovery.Normalize(all) }
        i.last = now
    }
    return append([]string(nil), i.cache...)
}

func loadFile(path string) ([]string, error) {
    b, err := os.ReadFile(path)
    if err != nil { return nil, err }
    var seeds []string
    for _, line := range strings.Split(string(b), "\n") {
        line = strings.TrimSpace(line)
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, discovery.Split(line)...)
    }
    return discovery.Normalize(seeds), nil
}
