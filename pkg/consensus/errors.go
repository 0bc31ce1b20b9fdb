package consensus

import (
    "errors"
    "fmt"
)

var (
    ErrNotLeader              = errors.New("consensus: not leader")
    ErrStaleTerm              = errors.New("consensus: stale term")
    ErrLogInconsistency       = errors.New("consensus: log inconsistency")
    ErrTransport              = errors.New("consensus: transport failure")
    ErrSnapshotUnsupported    = errors.New("consensus: install snapshot unsupported")
    ErrHalted                 = errors.New("consensus: node halted")
    ErrStopped                = errors.New("consensus: node stopped")
    ErrLeadershipLost         = errors.New("consensus: leadership lost before entry applied")
    ErrConfigChangeInProgress = errors.New("consensus: configuration change in progress")
    ErrApplyTimeout           = errors.New("consensus: timed out waiting for apply")
)

// NotLeaderError is returned by leader-only operations on other nodes. Leader
// is empty when no leader is known.
type NotLeaderError struct {
    Node       NodeID
    Leader     NodeID
    LeaderAddr string
}

func (e *NotLeaderError) Error() string {
    if e.Leader == "" {
        return fmt.Sprintf("consensus: node %s is not the leader, leader unknown", e.Node)
    }
    return fmt.Sprintf("consensus: node %s is not the leader, leader is %s", e.Node, e.Leader)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// StaleTokenError reports a fencing token older than the current epoch.
type StaleTokenError struct {
    Current  FencingToken
    Received FencingToken
}

func (e *StaleTokenError) Error() string {
    return fmt.Sprintf("consensus: stale fencing token: current term %d, received %d", e.Current.Term, e.Received.Term)
}

func (e *StaleTokenError) Unwrap() error { return ErrStaleTerm }

// HaltError wraps the log store failure that stopped a node.
type HaltError struct{ Cause error }

func (e *HaltError) Error() string { return "consensus: node halted: " + e.Cause.Error() }

func (e *HaltError) Unwrap() []error { return []error{ErrHalted, e.Cause} }
