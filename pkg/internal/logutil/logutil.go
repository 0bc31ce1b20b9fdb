package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"
)

// Level orders log severities; records below the configured level are dropped.
type Level int32

const (
    LevelDebug Level = iota
    LevelInfo
    LevelWarn
    LevelError
)

func (l Level) String() string {
    switch l {
    case LevelDebug:
        return "debug"
    case LevelInfo:
        return "info"
    case LevelWarn:
        return "warn"
    default:
        return "error"
    }
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (Level, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug":
        return LevelDebug, nil
    case "", "info":
        return LevelInfo, nil
    case "warn", "warning":
        return LevelWarn, nil
    case "error":
        return LevelError, nil
    }
    return LevelInfo, fmt.Errorf("logutil: unknown level %q", s)
}

var (
    jsonMode atomic.Bool
    minLevel atomic.Int32
)

func init() {
    if os.Getenv("RAFTDB_LOG_JSON") == "1" || os.Getenv("RAFTDB_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    minLevel.Store(int32(LevelInfo))
    if v := os.Getenv("RAFTDB_LOG_LEVEL"); v != "" {
        if lv, err := ParseLevel(v); err == nil { minLevel.Store(int32(lv)) }
    }
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }
func SetLevel(l Level)     { minLevel.Store(int32(l)) }
func Enabled(l Level) bool { return int32(l) >= minLevel.Load() }

// Component returns a logger writing to the same destination as l whose
// records are tagged with name.
func Component(l *log.Logger, name string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), "["+name+"] ", l.Flags()|log.Lmsgprefix)
}

func Debugf(l *log.Logger, f string, args ...any) { logf(l, LevelDebug, f, args...) }
func Infof(l *log.Logger, f string, args ...any)  { logf(l, LevelInfo, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, LevelWarn, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, LevelError, f, args...) }

func logf(l *log.Logger, level Level, f string, args ...any) {
    if !Enabled(level) { return }
    if l == nil { l = log.Default() }
    component := strings.TrimSuffix(strings.TrimPrefix(l.Prefix(), "["), "] ")
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level.String(),
            "msg":   fmt.Sprintf(f, args...),
        }
        if component != "" && component != l.Prefix() { evt["component"] = component }
        b, _ := json.Marshal(evt)
        log.New(l.Writer(), "", 0).Println(string(b))
        return
    }
    tag := strings.ToUpper(level.String()) + " "
    log.New(l.Writer(), tag+l.Prefix(), l.Flags()&^log.Lmsgprefix).Printf(f, args...)
}
