package consensus

import (
    "errors"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestQuorum(t *testing.T) {
    cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 7: 4}
    for n, want := range cases {
        require.Equal(t, want, Quorum(n), "n=%d", n)
    }
}

func TestFence_RejectsOlderEpoch(t *testing.T) {
    var f Fence
    require.NoError(t, f.Admit(FencingToken{Term: 2, Leader: "n1"}))
    // same term is admitted again (same leader keeps writing)
    require.NoError(t, f.Admit(FencingToken{Term: 2, Leader: "n1"}))
    require.NoError(t, f.Admit(FencingToken{Term: 3, Leader: "n2"}))

    err := f.Admit(FencingToken{Term: 2, Leader: "n1"})
    require.Error(t, err)
    require.True(t, errors.Is(err, ErrStaleTerm))
    var ste *StaleTokenError
    require.True(t, errors.As(err, &ste))
    require.Equal(t, Term(3), ste.Current.Term)
    require.Equal(t, Term(2), ste.Received.Term)
    require.Equal(t, FencingToken{Term: 3, Leader: "n2"}, f.Highest())
}

func TestTokenOrdering(t *testing.T) {
    a := LogEntry{Term: 1, Index: 4, Leader: "n1"}.Token()
    b := (&AppendEntriesRequest{Term: 2, LeaderID: "n2"}).Token()
    require.True(t, b.NewerThan(a))
    require.False(t, a.NewerThan(b))
    require.False(t, a.NewerThan(a))
}

func TestErrors_Unwrap(t *testing.T) {
    var err error = &NotLeaderError{Node: "n2", Leader: "n1"}
    require.True(t, errors.Is(err, ErrNotLeader))
    require.Contains(t, err.Error(), "leader is n1")
    require.Contains(t, (&NotLeaderError{Node: "n2"}).Error(), "leader unknown")

    cause := errors.New("disk full")
    err = &HaltError{Cause: cause}
    require.True(t, errors.Is(err, ErrHalted))
    require.True(t, errors.Is(err, cause))
}

func TestMessageName(t *testing.T) {
    require.Equal(t, "append_entries", MessageName(&AppendEntriesRequest{}))
    require.Equal(t, "request_vote_response", MessageName(&RequestVoteResponse{}))
    require.Equal(t, "install_snapshot", MessageName(&InstallSnapshotRequest{}))
}
