package cli

import (
    "context"
    "fmt"
    "log"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/viper"

    "github.com/amirimatin/go-raftdb/pkg/bootstrap"
    cns "github.com/amirimatin/go-raftdb/pkg/consensus"
    raftcons "github.com/amirimatin/go-raftdb/pkg/consensus/raft"
    "github.com/amirimatin/go-raftdb/pkg/observability/tracing"
)

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a database node",
        Long: "Run a database node. Flags may also be given as environment variables " +
            "named RAFTDB_<FLAG> with dashes replaced by underscores (e.g. RAFTDB_RAFT_ADDR).",
        RunE: func(cmd *cobra.Command, args []string) error {
            v, err := loadConfig(cmd)
            if err != nil { return err }
            if err := applyLogging(v); err != nil { return err }
            cfg, err := runConfig(v)
            if err != nil { return err }

            ctx, cancel := signalContext()
            defer cancel()
            if v.GetBool("trace") {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            inst, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer inst.Close()

            fmt.Printf("node %s running (raft %s). Press Ctrl+C to exit.\n", cfg.NodeID, inst.PeerAddr())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.String("id", "", "node id (required)")
    f.String("raft-addr", ":9520", "peer RPC bind addr (host:port)")
    f.String("raft-adv", "", "advertised peer RPC addr (defaults to raft-addr)")
    f.String("peers", "", "initial voters as id=host:port,... (empty when joining an existing cluster)")
    f.Bool("auto-join", true, "leader adds gossiped nodes as voters")
    f.String("mem-bind", ":7946", "membership bind addr (host:port)")
    f.String("mem-adv", "", "membership advertise addr (host:port, optional)")
    f.String("join", "", "comma-separated gossip seeds (host:port), used by discovery=static")
    f.String("mgmt-addr", ":17946", "management address (tcp), separate from membership port")
    f.String("mgmt-adv", "", "advertised management address (defaults to mgmt-addr)")
    f.String("mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.String("discovery", "static", "discovery backend: static|dns|file")
    f.String("dns-names", "", "comma-separated DNS names or SRV records (e.g., _raftdb._tcp.example.com)")
    f.Int("dns-port", 7946, "port used for A/AAAA lookups")
    f.Duration("disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    f.String("file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    f.String("file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    f.String("data", "", "data dir for the log and hard state (empty keeps them in memory)")
    f.Duration("tick", raftcons.DefaultTickInterval, "heartbeat tick interval")
    f.Duration("election-min", raftcons.DefaultElectionTimeoutMin, "minimum election timeout")
    f.Duration("election-max", raftcons.DefaultElectionTimeoutMax, "maximum election timeout")
    f.Duration("rpc-timeout", 0, "per-RPC timeout, at most the tick interval (defaults to it)")
    f.Int("max-entries", raftcons.DefaultMaxEntriesPerRPC, "max log entries per AppendEntries")
    f.Duration("apply-timeout", raftcons.DefaultApplyTimeout, "how long a write waits to be applied")
    f.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.String("log-level", "info", "log level: debug|info|warn|error")
    f.Bool("log-json", false, "emit JSON log records")
    addTLSFlags(cmd, "node")
    return cmd
}

func runConfig(v *viper.Viper) (bootstrap.Config, error) {
    cfg := bootstrap.Config{
        NodeID:             v.GetString("id"),
        RaftAddr:           v.GetString("raft-addr"),
        RaftAdv:            v.GetString("raft-adv"),
        PeersCSV:           v.GetString("peers"),
        AutoJoin:           v.GetBool("auto-join"),
        MemBind:            v.GetString("mem-bind"),
        MemAdv:             v.GetString("mem-adv"),
        MgmtAddr:           v.GetString("mgmt-addr"),
        MgmtAdv:            v.GetString("mgmt-adv"),
        MgmtProto:          v.GetString("mgmt-proto"),
        DiscoveryKind:      v.GetString("discovery"),
        SeedsCSV:           v.GetString("join"),
        DNSNamesCSV:        v.GetString("dns-names"),
        DNSPort:            v.GetInt("dns-port"),
        DiscRefresh:        v.GetDuration("disc-refresh"),
        FilePath:           v.GetString("file-path"),
        FileEnv:            v.GetString("file-env"),
        DataDir:            v.GetString("data"),
        TickInterval:       v.GetDuration("tick"),
        ElectionTimeoutMin: v.GetDuration("election-min"),
        ElectionTimeoutMax: v.GetDuration("election-max"),
        RPCTimeout:         v.GetDuration("rpc-timeout"),
        MaxEntriesPerRPC:   v.GetInt("max-entries"),
        ApplyTimeout:       v.GetDuration("apply-timeout"),
        Logger:             log.Default(),
    }
    o := tlsOptions(v)
    cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = o.Enable, o.CAFile, o.CertFile, o.KeyFile
    cfg.TLSSkipVerify, cfg.TLSServerName = o.InsecureSkipVerify, o.ServerName
    cfg.OnLeaderChange = func(li cns.LeaderInfo) { log.Printf("leader is now %s (term %d)", li.ID, li.Term) }
    if cfg.NodeID == "" { return cfg, fmt.Errorf("missing --id (or %s_ID)", EnvPrefix) }
    return cfg, cfg.Validate()
}
