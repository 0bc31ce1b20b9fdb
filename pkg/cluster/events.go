package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/membership"
)

type EventType string

const (
    EventLeaderChanged EventType = "leader_changed"
    // EventElectionStart fires when a previously known leader is lost.
    EventElectionStart EventType = "election_start"
    // EventElectionEnd fires when a leader becomes known again.
    EventElectionEnd  EventType = "election_end"
    EventMemberJoin   EventType = "member_join"
    EventMemberLeave  EventType = "member_leave"
    EventMemberFailed EventType = "member_failed"
    // EventVoterAdded and EventVoterRemoved report configuration changes
    // made by this node as leader.
    EventVoterAdded   EventType = "voter_added"
    EventVoterRemoved EventType = "voter_removed"
)

// Event is an application-consumable event describing cluster state changes.
// Only relevant fields for an event type are populated.
type Event struct {
    Type    EventType
    At      time.Time
    Leader  *consensus.LeaderInfo
    Member  *membership.MemberInfo
    Term    uint64
    Details map[string]string
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
    }()
    return ch
}

// eventBus fans events out to subscribers. A channel is closed only after
// removal, under the same lock publish holds.
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if _, ok := e.subs[ch]; ok {
        delete(e.subs, ch)
        close(ch)
    }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
