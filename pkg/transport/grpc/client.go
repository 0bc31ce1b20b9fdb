package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-raftdb/pkg/transport"
)

// Client is the management RPC client. Application-level failures reported
// in a response's Error field are returned as errors alongside the response,
// so callers can still read the leader hint.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    once    sync.Once
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close releases cached connections.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, lazyDialer(c.tlsCfg)) })
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+managementService+"/"+method, in, out, grpc.WaitForReady(true))
}

func respErr(msg string) error {
    if msg == "" { return nil }
    return errors.New(msg)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return resp, err }
    return resp, respErr(resp.Error)
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    return resp, respErr(resp.Error)
}

func (c *Client) PostAppWrite(ctx context.Context, addr string, req transport.AppWriteRequest) (transport.AppWriteResponse, error) {
    var resp transport.AppWriteResponse
    if err := c.invoke(ctx, addr, "AppWrite", &req, &resp); err != nil { return resp, err }
    return resp, respErr(resp.Error)
}

func (c *Client) PostAppRead(ctx context.Context, addr string, req transport.AppReadRequest) (transport.AppReadResponse, error) {
    var resp transport.AppReadResponse
    if err := c.invoke(ctx, addr, "AppRead", &req, &resp); err != nil { return resp, err }
    return resp, respErr(resp.Error)
}

var _ transport.RPCClient = (*Client)(nil)
