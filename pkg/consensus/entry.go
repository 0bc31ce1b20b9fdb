package consensus

import "fmt"

// EntryKind distinguishes what a log entry carries.
type EntryKind uint8

const (
    // EntryCommand carries a state machine payload.
    EntryCommand EntryKind = iota
    // EntryNoop is appended by a new leader to commit entries of older terms.
    EntryNoop
    // EntryConfigChange carries a JSON encoded ConfigChange.
    EntryConfigChange
)

func (k EntryKind) String() string {
    switch k {
    case EntryCommand:
        return "command"
    case EntryNoop:
        return "noop"
    case EntryConfigChange:
        return "config"
    default:
        return fmt.Sprintf("kind(%d)", uint8(k))
    }
}

// LogEntry is one element of the replicated log. Entries are immutable once
// appended.
type LogEntry struct {
    Term    Term      `json:"term"`
    Index   LogIndex  `json:"index"`
    Kind    EntryKind `json:"kind,omitempty"`
    Payload []byte    `json:"payload,omitempty"`
    // Leader is the node that appended the entry as leader of Term.
    Leader NodeID `json:"leader,omitempty"`
}

// Token returns the fencing token of the leader that created the entry.
func (e LogEntry) Token() FencingToken { return FencingToken{Term: e.Term, Leader: e.Leader} }

// ConfigChangeType enumerates voter set changes.
type ConfigChangeType string

const (
    AddNode    ConfigChangeType = "AddNode"
    RemoveNode ConfigChangeType = "RemoveNode"
)

// ConfigChange is the payload of an EntryConfigChange entry.
type ConfigChange struct {
    Type ConfigChangeType `json:"type"`
    ID   NodeID           `json:"id"`
    Addr string           `json:"addr,omitempty"`
}
