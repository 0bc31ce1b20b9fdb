package kv

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

func entry(t *testing.T, idx c.LogIndex, term c.Term, op string, req Request) c.LogEntry {
    t.Helper()
    p, err := json.Marshal(req)
    require.NoError(t, err)
    cmd, err := json.Marshal(c.Command{Op: op, Payload: p})
    require.NoError(t, err)
    return c.LogEntry{Index: idx, Term: term, Kind: c.EntryCommand, Payload: cmd, Leader: "n1"}
}

func decode(t *testing.T, b []byte) Result {
    t.Helper()
    var r Result
    require.NoError(t, json.Unmarshal(b, &r))
    return r
}

func TestStore_PutGetDelete(t *testing.T) {
    s := New()
    out, err := s.Apply(entry(t, 1, 1, OpPut, Request{Key: "a", Value: []byte("1")}))
    require.NoError(t, err)
    require.Equal(t, Result{Key: "a", Value: []byte("1"), Found: true, Index: 1}, decode(t, out))

    v, ok := s.Get("a")
    require.True(t, ok)
    require.Equal(t, "1", string(v))

    out, err = s.Apply(entry(t, 2, 1, OpDelete, Request{Key: "a"}))
    require.NoError(t, err)
    require.True(t, decode(t, out).Found)
    _, ok = s.Get("a")
    require.False(t, ok)

    out, err = s.Apply(entry(t, 3, 1, OpDelete, Request{Key: "a"}))
    require.NoError(t, err)
    require.False(t, decode(t, out).Found)
    require.EqualValues(t, 3, s.Applied())
}

func TestStore_DeduplicatesRequestIDs(t *testing.T) {
    s := New()
    first := NewPut("k", []byte("v1"))
    _, err := s.Apply(entry(t, 1, 1, OpPut, first))
    require.NoError(t, err)
    _, err = s.Apply(entry(t, 2, 1, OpPut, NewPut("k", []byte("v2"))))
    require.NoError(t, err)

    // the retried first write returns its original result and changes nothing
    out, err := s.Apply(entry(t, 3, 1, OpPut, first))
    require.NoError(t, err)
    require.EqualValues(t, 1, decode(t, out).Index)
    v, _ := s.Get("k")
    require.Equal(t, "v2", string(v))
}

func TestStore_DedupeWindowEvicts(t *testing.T) {
    s := New()
    s.window = 2
    reqs := []Request{NewPut("a", nil), NewPut("b", nil), NewPut("c", nil)}
    for i, r := range reqs {
        _, err := s.Apply(entry(t, c.LogIndex(i+1), 1, OpPut, r))
        require.NoError(t, err)
    }
    require.Len(t, s.seen, 2)
    require.NotContains(t, s.seen, reqs[0].ID)
}

func TestStore_RejectsStaleLeaderAndBadInput(t *testing.T) {
    s := New()
    _, err := s.Apply(entry(t, 1, 5, OpPut, Request{Key: "a"}))
    require.NoError(t, err)
    _, err = s.Apply(entry(t, 2, 4, OpPut, Request{Key: "a"}))
    require.ErrorIs(t, err, c.ErrStaleTerm)
    require.EqualValues(t, 5, s.Token().Term)

    _, err = s.Apply(entry(t, 3, 5, "incr", Request{Key: "a"}))
    require.ErrorIs(t, err, ErrUnknownOp)
    _, err = s.Apply(entry(t, 4, 5, OpPut, Request{}))
    require.ErrorIs(t, err, ErrEmptyKey)
    _, err = s.Apply(c.LogEntry{Index: 5, Term: 5, Payload: []byte("{")})
    require.Error(t, err)
    require.Equal(t, []string{"a"}, s.Keys())
}

// localConsensus applies every command directly, standing in for a single
// node that is always leader.
type localConsensus struct {
    sm    c.StateMachine
    index c.LogIndex
}

func (l *localConsensus) Start(ctx context.Context) error { return nil }
func (l *localConsensus) Propose(ctx context.Context, payload []byte) (c.LogIndex, error) {
    l.index++
    _, err := l.sm.Apply(c.LogEntry{Index: l.index, Term: 1, Payload: payload})
    return l.index, err
}
func (l *localConsensus) Apply(cmd c.Command, timeout time.Duration) ([]byte, error) {
    b, err := json.Marshal(cmd)
    if err != nil { return nil, err }
    l.index++
    return l.sm.Apply(c.LogEntry{Index: l.index, Term: 1, Payload: b, Leader: "n1"})
}
func (l *localConsensus) IsLeader() bool                          { return true }
func (l *localConsensus) Leader() (string, string, bool)           { return "n1", "", true }
func (l *localConsensus) Term() uint64                             { return 1 }
func (l *localConsensus) Status() c.Status                         { return c.Status{} }
func (l *localConsensus) Stop() error                              { return nil }

func TestService_WriteAndRead(t *testing.T) {
    store := New()
    svc := NewService(store, &localConsensus{sm: store}, time.Second)
    ctx := context.Background()

    req, _ := json.Marshal(Request{Key: "user:1", Value: []byte("ada")})
    out, err := svc.HandleWrite(ctx, OpPut, req)
    require.NoError(t, err)
    require.True(t, decode(t, out).Found)

    get, _ := json.Marshal(Request{Key: "user:1"})
    out, err = svc.HandleRead(ctx, OpGet, get)
    require.NoError(t, err)
    require.Equal(t, Result{Key: "user:1", Value: []byte("ada"), Found: true, Index: 1}, decode(t, out))

    _, err = svc.HandleWrite(ctx, OpGet, req)
    require.ErrorIs(t, err, ErrUnknownOp)
    _, err = svc.HandleRead(ctx, OpGet, []byte(`{"key":""}`))
    require.ErrorIs(t, err, ErrEmptyKey)
}
