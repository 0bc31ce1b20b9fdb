package inmem

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

func echoVotes(t *testing.T) transport.HandlerFunc {
    return func(ctx context.Context, msg c.Message) (c.Message, error) {
        req, ok := msg.(*c.RequestVoteRequest)
        if !ok { return nil, errors.New("unexpected message") }
        return &c.RequestVoteResponse{Term: req.Term, VoteGranted: true}, nil
    }
}

func TestNetwork_SendAndPartition(t *testing.T) {
    ctx := context.Background()
    net := NewNetwork()
    a, b := net.Endpoint("a"), net.Endpoint("b")
    require.NoError(t, b.Serve(ctx, echoVotes(t)))

    resp, err := a.Send(ctx, c.Peer{ID: "b", Addr: "b"}, &c.RequestVoteRequest{Term: 3, CandidateID: "a"})
    require.NoError(t, err)
    require.Equal(t, &c.RequestVoteResponse{Term: 3, VoteGranted: true}, resp)

    net.Partition([]string{"a"}, []string{"b"})
    _, err = a.Send(ctx, c.Peer{ID: "b", Addr: "b"}, &c.RequestVoteRequest{Term: 4})
    require.ErrorIs(t, err, c.ErrTransport)

    net.Heal()
    net.Isolate("a")
    _, err = a.Send(ctx, c.Peer{ID: "b", Addr: "b"}, &c.RequestVoteRequest{Term: 4})
    require.ErrorIs(t, err, c.ErrTransport)

    net.Heal()
    _, err = a.Send(ctx, c.Peer{ID: "b", Addr: "b"}, &c.RequestVoteRequest{Term: 5})
    require.NoError(t, err)

    require.NoError(t, b.Stop(ctx))
    _, err = a.Send(ctx, c.Peer{ID: "b", Addr: "b"}, &c.RequestVoteRequest{Term: 6})
    require.ErrorIs(t, err, c.ErrTransport)
}

func TestNetwork_ClonesEntries(t *testing.T) {
    ctx := context.Background()
    net := NewNetwork()
    var got *c.AppendEntriesRequest
    b := net.Endpoint("b")
    require.NoError(t, b.Serve(ctx, transport.HandlerFunc(func(ctx context.Context, msg c.Message) (c.Message, error) {
        got = msg.(*c.AppendEntriesRequest)
        return &c.AppendEntriesResponse{Term: got.Term, Success: true}, nil
    })))

    req := &c.AppendEntriesRequest{Term: 1, Entries: []c.LogEntry{{Index: 1, Term: 1, Payload: []byte("x")}}}
    _, err := net.Endpoint("a").Send(ctx, c.Peer{ID: "b", Addr: "b"}, req)
    require.NoError(t, err)
    req.Entries[0].Payload[0] = 'y'
    require.Equal(t, "x", string(got.Entries[0].Payload))
}

func TestNetwork_DropAndDelay(t *testing.T) {
    ctx := context.Background()
    net := NewNetwork()
    require.NoError(t, net.Endpoint("b").Serve(ctx, echoVotes(t)))
    a := net.Endpoint("a")

    net.SetDropRate(1)
    _, err := a.Send(ctx, c.Peer{ID: "b", Addr: "b"}, &c.RequestVoteRequest{Term: 1})
    require.ErrorIs(t, err, c.ErrTransport)
    net.SetDropRate(0)

    net.SetDelay(50 * time.Millisecond)
    short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
    defer cancel()
    _, err = a.Send(short, c.Peer{ID: "b", Addr: "b"}, &c.RequestVoteRequest{Term: 1})
    require.ErrorIs(t, err, c.ErrTransport)
}
