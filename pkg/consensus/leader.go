package consensus

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// Token converts the leader info to the fencing token of its epoch.
func (l LeaderInfo) Token() FencingToken { return FencingToken{Term: Term(l.Term), Leader: NodeID(l.ID)} }

// LeaderNotifier is implemented by engines that publish leadership changes.
// The channel is buffered; updates are dropped rather than blocking the
// engine, so consumers should treat each value as the latest view.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}
