package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-raftdb/pkg/state/kv"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

// clientCmd wires the common flags and client setup for management commands.
func clientCmd(use, short string, args cobra.PositionalArgs, run func(ctx context.Context, cmd *cobra.Command, cl transport.RPCClient, addr string, args []string) error) *cobra.Command {
    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        Args:  args,
        RunE: func(cmd *cobra.Command, args []string) error {
            v, err := loadConfig(cmd)
            if err != nil { return err }
            cl, done, err := newClient(v)
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("timeout"))
            defer cancel()
            return run(ctx, cmd, cl, v.GetString("addr"), args)
        },
    }
    addClientFlags(cmd)
    return cmd
}

// printResult renders a kv result with its value as text.
func printResult(w io.Writer, r kv.Result) error {
    return printJSON(w, struct {
        Key   string `json:"key"`
        Value string `json:"value,omitempty"`
        Found bool   `json:"found"`
        Index uint64 `json:"index"`
    }{r.Key, string(r.Value), r.Found, uint64(r.Index)})
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    return clientCmd("status", "Fetch a node's view of the cluster as JSON", cobra.NoArgs,
        func(ctx context.Context, cmd *cobra.Command, cl transport.RPCClient, addr string, _ []string) error {
            data, err := cl.GetStatus(ctx, addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            var pretty any
            if json.Unmarshal(data, &pretty) != nil {
                _, err = cmd.OutOrStdout().Write(data)
                return err
            }
            return printJSON(cmd.OutOrStdout(), pretty)
        })
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
    cmd := clientCmd("join", "Ask the leader to add a node as a voter", cobra.NoArgs,
        func(ctx context.Context, cmd *cobra.Command, cl transport.RPCClient, addr string, _ []string) error {
            id, _ := cmd.Flags().GetString("id")
            raftAddr, _ := cmd.Flags().GetString("raft-addr")
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            req := transport.JoinRequest{ID: id, RaftAddr: raftAddr}
            resp, err := cl.PostJoin(ctx, addr, req)
            if err != nil && resp.Leader != "" && resp.Leader != addr {
                resp, err = cl.PostJoin(ctx, resp.Leader, req)
            }
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        })
    cmd.Flags().String("id", "", "node id to add (required)")
    cmd.Flags().String("raft-addr", "", "node peer RPC address (host:port, required)")
    return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
    cmd := clientCmd("leave", "Ask the leader to remove a node from the voters", cobra.NoArgs,
        func(ctx context.Context, cmd *cobra.Command, cl transport.RPCClient, addr string, _ []string) error {
            id, _ := cmd.Flags().GetString("id")
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            req := transport.LeaveRequest{ID: id}
            resp, err := cl.PostLeave(ctx, addr, req)
            if err != nil && resp.Leader != "" && resp.Leader != addr {
                resp, err = cl.PostLeave(ctx, resp.Leader, req)
            }
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        })
    cmd.Flags().String("id", "", "node id to remove (required)")
    return cmd
}

// NewPutCmd returns the "put" command. A request id is generated once, so a
// retry against the new leader cannot apply the write twice.
func NewPutCmd() *cobra.Command {
    cmd := clientCmd("put KEY VALUE", "Store a value under a key", cobra.ExactArgs(2),
        func(ctx context.Context, cmd *cobra.Command, cl transport.RPCClient, addr string, args []string) error {
            del, _ := cmd.Flags().GetBool("delete")
            op, req := kv.OpPut, kv.NewPut(args[0], []byte(args[1]))
            if del { op, req = kv.OpDelete, kv.NewDelete(args[0]) }
            return write(ctx, cmd.OutOrStdout(), cl, addr, op, req)
        })
    cmd.Flags().Bool("delete", false, "delete KEY instead (VALUE is ignored)")
    return cmd
}

func write(ctx context.Context, w io.Writer, cl transport.RPCClient, addr, op string, req kv.Request) error {
    data, err := json.Marshal(req)
    if err != nil { return err }
    wreq := transport.AppWriteRequest{Op: op, Data: data}
    resp, err := cl.PostAppWrite(ctx, addr, wreq)
    if err != nil && resp.Leader != "" && resp.Leader != addr {
        resp, err = cl.PostAppWrite(ctx, resp.Leader, wreq)
    }
    if err != nil { return fmt.Errorf("%s error: %w", op, err) }
    var res kv.Result
    if err := json.Unmarshal(resp.Data, &res); err != nil { return err }
    return printResult(w, res)
}

// NewGetCmd returns the "get" command.
func NewGetCmd() *cobra.Command {
    cmd := clientCmd("get KEY", "Read the value of a key", cobra.ExactArgs(1),
        func(ctx context.Context, cmd *cobra.Command, cl transport.RPCClient, addr string, args []string) error {
            stale, _ := cmd.Flags().GetBool("stale")
            data, err := json.Marshal(kv.Request{Key: args[0]})
            if err != nil { return err }
            req := transport.AppReadRequest{Op: kv.OpGet, Data: data, Stale: stale}
            resp, err := cl.PostAppRead(ctx, addr, req)
            if err != nil && resp.Leader != "" && resp.Leader != addr {
                resp, err = cl.PostAppRead(ctx, resp.Leader, req)
            }
            if err != nil { return fmt.Errorf("get error: %w", err) }
            var res kv.Result
            if err := json.Unmarshal(resp.Data, &res); err != nil { return err }
            if !res.Found { return fmt.Errorf("key %q not found", args[0]) }
            return printResult(cmd.OutOrStdout(), res)
        })
    cmd.Flags().Bool("stale", false, "allow the contacted node to answer from its own state")
    return cmd
}
