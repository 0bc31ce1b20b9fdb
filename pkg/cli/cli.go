// Package cli provides cobra commands to run and operate a raftdb node.
// Every flag can also be set through a RAFTDB_ environment variable (dashes
// become underscores), a .env file, or a config file passed with --config.
package cli

import (
    "context"
    "crypto/tls"
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/spf13/cobra"
    "github.com/spf13/viper"

    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
    tlsx "github.com/amirimatin/go-raftdb/pkg/security/tlsconfig"
    "github.com/amirimatin/go-raftdb/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-raftdb/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-raftdb/pkg/transport/httpjson"
)

// EnvPrefix is the prefix of environment variables mapped onto flags.
const EnvPrefix = "RAFTDB"

// AddAll attaches the node commands (run/status/join/leave/put/get) to root.
func AddAll(root *cobra.Command) {
    root.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
    root.AddCommand(NewRunCmd(), NewStatusCmd(), NewJoinCmd(), NewLeaveCmd(), NewPutCmd(), NewGetCmd())
}

// NewDBCommand returns a parent command "db" containing all node commands,
// for services that mount them under their own root.
func NewDBCommand() *cobra.Command {
    parent := &cobra.Command{Use: "db", Short: "replicated database commands"}
    AddAll(parent)
    return parent
}

// loadConfig returns a viper instance bound to cmd's flags, the environment
// and the optional config file. .env files are loaded once per process and
// never override variables already set.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
    _ = godotenv.Load(".env")
    _ = godotenv.Load(".env.local")

    v := viper.New()
    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
    v.AutomaticEnv()
    if err := v.BindPFlags(cmd.Flags()); err != nil { return nil, err }
    if path := v.GetString("config"); path != "" {
        v.SetConfigFile(path)
        if err := v.ReadInConfig(); err != nil { return nil, fmt.Errorf("read config %s: %w", path, err) }
    }
    return v, nil
}

func applyLogging(v *viper.Viper) error {
    lvl, err := logutil.ParseLevel(v.GetString("log-level"))
    if err != nil { return err }
    logutil.SetLevel(lvl)
    if v.GetBool("log-json") { logutil.SetJSON(true) }
    return nil
}

func addTLSFlags(cmd *cobra.Command, who string) {
    cmd.Flags().Bool("tls-enable", false, "enable mTLS")
    cmd.Flags().String("tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().String("tls-cert", "", "path to "+who+" certificate (PEM)")
    cmd.Flags().String("tls-key", "", "path to "+who+" private key (PEM)")
    cmd.Flags().Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().String("tls-server-name", "", "expected server name (for TLS validation)")
}

func tlsOptions(v *viper.Viper) tlsx.Options {
    return tlsx.Options{
        Enable:             v.GetBool("tls-enable"),
        CAFile:             v.GetString("tls-ca"),
        CertFile:           v.GetString("tls-cert"),
        KeyFile:            v.GetString("tls-key"),
        InsecureSkipVerify: v.GetBool("tls-skip-verify"),
        ServerName:         v.GetString("tls-server-name"),
    }
}

// addClientFlags registers the flags shared by commands that talk to a
// node's management API.
func addClientFlags(cmd *cobra.Command) {
    cmd.Flags().String("addr", "127.0.0.1:17946", "management address of a node (host:port)")
    cmd.Flags().String("mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().Duration("timeout", 3*time.Second, "request timeout")
    addTLSFlags(cmd, "client")
}

// newClient builds the management client selected by the flags. The
// returned func releases its connections.
func newClient(v *viper.Viper) (transport.RPCClient, func(), error) {
    var cliTLS *tls.Config
    if o := tlsOptions(v); o.Enable {
        var err error
        if cliTLS, err = o.Client(); err != nil { return nil, nil, fmt.Errorf("tls client config: %w", err) }
    }
    timeout := v.GetDuration("timeout")
    switch v.GetString("mgmt-proto") {
    case "grpc":
        c := mgmtgrpc.NewClient(timeout).UseTLS(cliTLS)
        return c, c.Close, nil
    case "", "http":
        return httpjson.NewClient(timeout).UseTLS(cliTLS), func() {}, nil
    default:
        return nil, nil, fmt.Errorf("unknown management protocol %q", v.GetString("mgmt-proto"))
    }
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
