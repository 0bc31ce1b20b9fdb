package consensus

import (
    "context"
    "time"
)

// Term is a monotonically increasing election epoch. At most one leader
// exists per term.
type Term uint64

// LogIndex is the 1-based position of an entry in the replicated log. Zero
// means "no entry".
type LogIndex uint64

// NodeID identifies a cluster member.
type NodeID string

// Peer is a configured cluster member and the address its consensus RPCs
// are reachable at.
type Peer struct {
    ID   NodeID `json:"id"`
    Addr string `json:"addr"`
}

// Command is the client-level operation carried in a command entry payload.
// The semantics of Op/Payload are defined by the state machine.
type Command struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload,omitempty"`
}

// Consensus is the abstraction over the leader-based replication engine used
// by the cluster facade.
type Consensus interface {
    Start(ctx context.Context) error
    // Propose appends payload to the leader's log and returns its index
    // without waiting for commit.
    Propose(ctx context.Context, payload []byte) (LogIndex, error)
    // Apply proposes cmd and waits until it has been applied locally,
    // returning the state machine result.
    Apply(cmd Command, timeout time.Duration) ([]byte, error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Status() Status
    Stop() error
}

// Status is a point-in-time view of one node's consensus state.
type Status struct {
    ID           NodeID         `json:"id"`
    Role         string         `json:"role"`
    Term         Term           `json:"term"`
    Leader       NodeID         `json:"leader,omitempty"`
    CommitIndex  LogIndex       `json:"commitIndex"`
    LastApplied  LogIndex       `json:"lastApplied"`
    LastLogIndex LogIndex       `json:"lastLogIndex"`
    LastLogTerm  Term           `json:"lastLogTerm"`
    Voters       []Peer         `json:"voters,omitempty"`
    Progress     []PeerProgress `json:"progress,omitempty"`
    Halted       string         `json:"halted,omitempty"`
}

// PeerProgress is the leader's replication bookkeeping for one follower.
type PeerProgress struct {
    ID         NodeID   `json:"id"`
    NextIndex  LogIndex `json:"nextIndex"`
    MatchIndex LogIndex `json:"matchIndex"`
}

// StateMachine is the database mutation target. Apply is invoked with
// committed command entries in strictly increasing index order and must be
// deterministic. An error is logged and the entry still counts as applied.
type StateMachine interface {
    Apply(entry LogEntry) ([]byte, error)
}

// StateMachineFunc adapts a function to StateMachine.
type StateMachineFunc func(entry LogEntry) ([]byte, error)

func (f StateMachineFunc) Apply(entry LogEntry) ([]byte, error) { return f(entry) }

// Quorum returns the majority size for n voting members.
func Quorum(n int) int { return n/2 + 1 }
