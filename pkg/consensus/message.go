package consensus

// Message is the closed set of consensus RPC payloads exchanged between
// peers. Only the types in this file implement it.
type Message interface {
    // MessageTerm is the sender's term.
    MessageTerm() Term
    isMessage()
}

// AppendEntriesRequest replicates entries (or heartbeats when Entries is
// empty) from the leader.
type AppendEntriesRequest struct {
    Term         Term       `json:"term"`
    LeaderID     NodeID     `json:"leaderId"`
    PrevLogIndex LogIndex   `json:"prevLogIndex"`
    PrevLogTerm  Term       `json:"prevLogTerm"`
    Entries      []LogEntry `json:"entries,omitempty"`
    LeaderCommit LogIndex   `json:"leaderCommit"`
}

// Token is the fencing token the request travels under.
func (r *AppendEntriesRequest) Token() FencingToken { return FencingToken{Term: r.Term, Leader: r.LeaderID} }

// AppendEntriesResponse answers an AppendEntriesRequest. ConflictIndex and
// ConflictTerm are zero when absent; neither is a valid value otherwise.
type AppendEntriesResponse struct {
    Term          Term     `json:"term"`
    Success       bool     `json:"success"`
    LastLogIndex  LogIndex `json:"lastLogIndex"`
    ConflictIndex LogIndex `json:"conflictIndex,omitempty"`
    ConflictTerm  Term     `json:"conflictTerm,omitempty"`
}

// HasConflictHint reports whether the follower supplied backtracking hints.
func (r *AppendEntriesResponse) HasConflictHint() bool { return r.ConflictIndex > 0 }

// RequestVoteRequest solicits a vote for CandidateID in Term.
type RequestVoteRequest struct {
    Term         Term     `json:"term"`
    CandidateID  NodeID   `json:"candidateId"`
    LastLogIndex LogIndex `json:"lastLogIndex"`
    LastLogTerm  Term     `json:"lastLogTerm"`
}

type RequestVoteResponse struct {
    Term        Term `json:"term"`
    VoteGranted bool `json:"voteGranted"`
}

// InstallSnapshotRequest is accepted on the wire but snapshots are not
// implemented; receivers always answer Unsupported.
type InstallSnapshotRequest struct {
    Term              Term     `json:"term"`
    LeaderID          NodeID   `json:"leaderId"`
    LastIncludedIndex LogIndex `json:"lastIncludedIndex"`
    LastIncludedTerm  Term     `json:"lastIncludedTerm"`
    Offset            uint64   `json:"offset"`
    Data              []byte   `json:"data,omitempty"`
    Done              bool     `json:"done"`
}

type InstallSnapshotResponse struct {
    Term        Term `json:"term"`
    Unsupported bool `json:"unsupported"`
}

func (m *AppendEntriesRequest) MessageTerm() Term    { return m.Term }
func (m *AppendEntriesResponse) MessageTerm() Term   { return m.Term }
func (m *RequestVoteRequest) MessageTerm() Term      { return m.Term }
func (m *RequestVoteResponse) MessageTerm() Term     { return m.Term }
func (m *InstallSnapshotRequest) MessageTerm() Term  { return m.Term }
func (m *InstallSnapshotResponse) MessageTerm() Term { return m.Term }

func (*AppendEntriesRequest) isMessage()    {}
func (*AppendEntriesResponse) isMessage()   {}
func (*RequestVoteRequest) isMessage()      {}
func (*RequestVoteResponse) isMessage()     {}
func (*InstallSnapshotRequest) isMessage()  {}
func (*InstallSnapshotResponse) isMessage() {}

// MessageName returns a stable name for metrics and tracing.
func MessageName(m Message) string {
    switch m.(type) {
    case *AppendEntriesRequest:
        return "append_entries"
    case *AppendEntriesResponse:
        return "append_entries_response"
    case *RequestVoteRequest:
        return "request_vote"
    case *RequestVoteResponse:
        return "request_vote_response"
    case *InstallSnapshotRequest:
        return "install_snapshot"
    case *InstallSnapshotResponse:
        return "install_snapshot_response"
    default:
        return "unknown"
    }
}
