// Package bootstrap assembles a complete database node (consensus engine,
// peer transport, gossip, discovery, management API and the key-value state
// machine) from a flat Config.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-raftdb/pkg/cluster"
    cns "github.com/amirimatin/go-raftdb/pkg/consensus"
    raftcons "github.com/amirimatin/go-raftdb/pkg/consensus/raft"
    "github.com/amirimatin/go-raftdb/pkg/discovery"
    dDNS "github.com/amirimatin/go-raftdb/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-raftdb/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-raftdb/pkg/discovery/static"
    "github.com/amirimatin/go-raftdb/pkg/membership"
    ml "github.com/amirimatin/go-raftdb/pkg/membership/memberlist"
    tlsx "github.com/amirimatin/go-raftdb/pkg/security/tlsconfig"
    "github.com/amirimatin/go-raftdb/pkg/state/kv"
    "github.com/amirimatin/go-raftdb/pkg/transport"
    rgrpc "github.com/amirimatin/go-raftdb/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-raftdb/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Applications embed the database by providing this structure and
// calling Build/Run.
type Config struct {
    // Identity and addresses
    NodeID   string
    RaftAddr string // peer RPC bind, e.g. ":9520"
    RaftAdv  string // advertised peer address; defaults to RaftAddr
    MemBind  string // membership bind host:port
    MemAdv   string // optional advertise host:port

    // PeersCSV is the initial voter set as id=host:port entries. Leave it
    // empty on nodes that join an existing cluster.
    PeersCSV string
    // AutoJoin lets the leader add gossiped nodes as voters.
    AutoJoin bool

    // Management API (status/join/leave/write/read/metrics)
    MgmtAddr  string // host:port for management API (HTTP or gRPC)
    MgmtAdv   string // advertised management address; defaults to MgmtAddr
    MgmtProto string // "http" (default) or "grpc"

    // Discovery settings
    DiscoveryKind string        // "static" (default), "dns", or "file"
    SeedsCSV      string        // used when DiscoveryKind=static
    DNSNamesCSV   string        // used when kind=dns
    DNSPort       int           // used when kind=dns (A/AAAA)
    DiscRefresh   time.Duration // cache/refresh duration for discovery
    FilePath      string        // used when kind=file
    FileEnv       string        // used when kind=file

    // Persistence: empty keeps the log in memory.
    DataDir string

    // Engine tuning; zero values use the engine defaults.
    TickInterval       time.Duration
    ElectionTimeoutMin time.Duration
    ElectionTimeoutMax time.Duration
    RPCTimeout         time.Duration
    MaxEntriesPerRPC   int
    ApplyTimeout       time.Duration

    // TLS (optional) for peer and management traffic
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger

    // StateMachine and AppHandlers replace the built-in key-value store.
    // Both must be set together.
    StateMachine cns.StateMachine
    AppHandlers  cluster.AppHandlers

    // Optional callbacks
    OnLeaderChange  func(info cns.LeaderInfo)
    OnElectionStart func()
    OnElectionEnd   func(info cns.LeaderInfo)
}

// Instance is an assembled node. Cluster is the facade applications talk
// to; Raft and KV expose the engine and the default state machine.
type Instance struct {
    *cluster.Cluster
    Raft *raftcons.Node
    // KV is nil when a custom state machine is configured.
    KV *kv.Store

    peerSrv *rgrpc.PeerServer
    peerTr  *rgrpc.PeerTransport
    closers []func()
}

func (cfg Config) tlsConfigs() (srv, cli *tls.Config, err error) {
    if !cfg.TLSEnable { return nil, nil, nil }
    topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
    if srv, err = topts.Server(); err != nil { return nil, nil, err }
    if cli, err = topts.Client(); err != nil { return nil, nil, err }
    return srv, cli, nil
}

func (cfg Config) discovery() discovery.Discovery {
    switch cfg.DiscoveryKind {
    case "dns":
        opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort, Logger: cfg.Logger}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        return dDNS.New(opts)
    case "file":
        opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        return dFile.New(opts)
    default:
        return dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
    }
}

// Validate reports configuration errors that Build would otherwise hit
// half-way through assembly.
func (cfg Config) Validate() error {
    if cfg.NodeID == "" { return errors.New("bootstrap: empty NodeID") }
    if cfg.RaftAddr == "" { return errors.New("bootstrap: empty RaftAddr") }
    if cfg.MemBind == "" { return errors.New("bootstrap: empty MemBind") }
    if (cfg.StateMachine == nil) != (cfg.AppHandlers == nil) {
        return errors.New("bootstrap: StateMachine and AppHandlers must be set together")
    }
    switch cfg.MgmtProto {
    case "", "http", "grpc":
    default:
        return fmt.Errorf("bootstrap: unknown management protocol %q", cfg.MgmtProto)
    }
    switch cfg.DiscoveryKind {
    case "", "static", "dns", "file":
    default:
        return fmt.Errorf("bootstrap: unknown discovery backend %q", cfg.DiscoveryKind)
    }
    _, err := discovery.ParsePeers(discovery.Split(cfg.PeersCSV))
    return err
}

// Build assembles an Instance from Config without starting it.
func Build(cfg Config) (*Instance, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if err := cfg.Validate(); err != nil { return nil, err }
    if cfg.RaftAdv == "" { cfg.RaftAdv = cfg.RaftAddr }
    if cfg.MgmtAdv == "" { cfg.MgmtAdv = cfg.MgmtAddr }
    peers, _ := discovery.ParsePeers(discovery.Split(cfg.PeersCSV))
    srvTLS, cliTLS, err := cfg.tlsConfigs()
    if err != nil { return nil, err }

    inst := &Instance{
        peerTr:  rgrpc.NewPeerTransport(cfg.RaftAdv).UseTLS(cliTLS),
        peerSrv: rgrpc.NewPeerServer(cfg.RaftAddr).UseTLS(srvTLS),
    }
    sm, handlers := cfg.StateMachine, cfg.AppHandlers
    if sm == nil {
        inst.KV = kv.New()
        sm = inst.KV
    }

    node, err := raftcons.New(raftcons.Options{
        NodeID:             cfg.NodeID,
        Logger:             cfg.Logger,
        Peers:              peers,
        Transport:          inst.peerTr,
        StateMachine:       sm,
        DataDir:            cfg.DataDir,
        TickInterval:       cfg.TickInterval,
        ElectionTimeoutMin: cfg.ElectionTimeoutMin,
        ElectionTimeoutMax: cfg.ElectionTimeoutMax,
        RPCTimeout:         cfg.RPCTimeout,
        MaxEntriesPerRPC:   cfg.MaxEntriesPerRPC,
        ApplyTimeout:       cfg.ApplyTimeout,
    })
    if err != nil { return nil, err }
    inst.Raft = node
    if handlers == nil { handlers = kv.NewService(inst.KV, node, cfg.ApplyTimeout) }

    // gossip carries the addresses peers need to reach us
    meta := map[string]string{membership.MetaRaft: cfg.RaftAdv}
    if cfg.MgmtAdv != "" { meta[membership.MetaMgmt] = cfg.MgmtAdv }
    mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: meta})
    if err != nil {
        _ = node.Stop()
        return nil, err
    }

    var srv transport.RPCServer
    var cli transport.RPCClient
    switch cfg.MgmtProto {
    case "grpc":
        c := rgrpc.NewClient(3 * time.Second).UseTLS(cliTLS)
        inst.closers = append(inst.closers, c.Close)
        srv, cli = rgrpc.NewServer(cfg.MgmtAddr).UseTLS(srvTLS), c
    default:
        srv, cli = httpjson.NewServer(cfg.MgmtAddr, cfg.Logger).UseTLS(srvTLS), httpjson.NewClient(3*time.Second).UseTLS(cliTLS)
    }
    if cfg.MgmtAddr == "" { srv = nil }

    cl, err := cluster.New(context.Background(), cluster.Options{
        NodeID:          cluster.NodeID(cfg.NodeID),
        Transport:       inst.peerTr,
        Discovery:       cfg.discovery(),
        Logger:          cfg.Logger,
        Consensus:       node,
        Membership:      mem,
        RPCServer:       srv,
        RPCClient:       cli,
        AppHandlers:     handlers,
        AutoJoin:        cfg.AutoJoin,
        OnLeaderChange:  cfg.OnLeaderChange,
        OnElectionStart: cfg.OnElectionStart,
        OnElectionEnd:   cfg.OnElectionEnd,
    })
    if err != nil {
        _ = node.Stop()
        return nil, err
    }
    inst.Cluster = cl
    return inst, nil
}

// Start begins serving peer RPCs and then starts the cluster.
func (i *Instance) Start(ctx context.Context) error {
    if err := i.peerSrv.Serve(ctx, i.Raft); err != nil { return err }
    return i.Cluster.Start(ctx)
}

// PeerAddr returns the bound peer RPC address.
func (i *Instance) PeerAddr() string { return i.peerSrv.Addr() }

// Close stops the cluster, the peer server and cached connections.
func (i *Instance) Close() error {
    err := i.Cluster.Close()
    _ = i.peerSrv.Stop(context.Background())
    i.peerTr.Close()
    for _, f := range i.closers { f() }
    return err
}

// Run builds and starts a node, returning it for lifecycle control. The
// caller is responsible for calling Close when finished.
func Run(ctx context.Context, cfg Config) (*Instance, error) {
    inst, err := Build(cfg)
    if err != nil { return nil, err }
    if err := inst.Start(ctx); err != nil {
        _ = inst.Close()
        return nil, err
    }
    return inst, nil
}
