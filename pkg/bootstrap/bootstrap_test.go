package bootstrap

import (
    "context"
    "encoding/json"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-raftdb/pkg/state/kv"
)

func TestConfig_Validate(t *testing.T) {
    base := Config{NodeID: "n1", RaftAddr: "127.0.0.1:0", MemBind: "127.0.0.1:0"}
    require.NoError(t, base.Validate())

    bad := base
    bad.MgmtProto = "smtp"
    require.ErrorContains(t, bad.Validate(), "management protocol")

    bad = base
    bad.DiscoveryKind = "zookeeper"
    require.ErrorContains(t, bad.Validate(), "discovery backend")

    bad = base
    bad.PeersCSV = "n1=a:1,n1=b:2"
    require.ErrorContains(t, bad.Validate(), "duplicate")

    bad = base
    bad.AppHandlers = kv.NewService(kv.New(), nil, 0)
    require.Error(t, bad.Validate())

    _, err := Build(Config{})
    require.Error(t, err)
}

func TestRun_SingleNode(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    for _, proto := range []string{"http", "grpc"} {
        t.Run(proto, func(t *testing.T) {
            inst, err := Run(ctx, Config{
                NodeID:             "n1",
                RaftAddr:           "127.0.0.1:0",
                PeersCSV:           "n1=127.0.0.1:0",
                MemBind:            "127.0.0.1:0",
                MgmtAddr:           "127.0.0.1:0",
                MgmtProto:          proto,
                DataDir:            t.TempDir(),
                TickInterval:       20 * time.Millisecond,
                ElectionTimeoutMin: 100 * time.Millisecond,
                ElectionTimeoutMax: 200 * time.Millisecond,
                Logger:             log.New(io.Discard, "", 0),
            })
            require.NoError(t, err)
            defer inst.Close()
            require.NotEqual(t, "127.0.0.1:0", inst.PeerAddr())

            require.Eventually(t, inst.Raft.IsLeader, 5*time.Second, 20*time.Millisecond)
            req, _ := json.Marshal(kv.Request{Key: "color", Value: []byte("blue")})
            _, err = inst.AppWrite(ctx, kv.OpPut, req)
            require.NoError(t, err)

            out, err := inst.AppRead(ctx, kv.OpGet, req, false)
            require.NoError(t, err)
            var res kv.Result
            require.NoError(t, json.Unmarshal(out, &res))
            require.True(t, res.Found)
            require.Equal(t, "blue", string(res.Value))

            st, err := inst.Status(ctx)
            require.NoError(t, err)
            require.Equal(t, "n1", st.LeaderID)
            require.Equal(t, "leader", st.Raft.Role)
        })
    }
}
