package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-raftdb/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// appError is an error reported by the remote handler. It is final and never
// retried.
type appError struct{ msg string }

func (e *appError) Error() string { return e.msg }

// do runs build up to three times with exponential backoff. Network errors
// and non-JSON error statuses are retried; application errors are not.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error), handle func(status int, body []byte) error) error {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := build()
        if err != nil { return err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            _ = resp.Body.Close()
            if rerr != nil {
                lastErr = rerr
            } else {
                lastErr = handle(resp.StatusCode, b)
                var ae *appError
                if lastErr == nil || errors.As(lastErr, &ae) { return lastErr }
            }
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var out []byte
    err := c.do(ctx, func() (*http.Request, error) {
        return http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
    }, func(status int, body []byte) error {
        if status != http.StatusOK { return fmt.Errorf("status %d: %s", status, string(body)) }
        out = body
        return nil
    })
    return out, err
}

// postJSON posts in to path and decodes the reply into out. errorOf extracts
// the application error field from out.
func postJSON(ctx context.Context, c *Client, addr, path string, in, out any, errorOf func() string) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    return c.do(ctx, func() (*http.Request, error) {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return nil, err }
        req.Header.Set("Content-Type", "application/json")
        return req, nil
    }, func(status int, b []byte) error {
        if jerr := json.Unmarshal(b, out); jerr == nil {
            if msg := errorOf(); msg != "" { return &appError{msg: msg} }
        }
        if status != http.StatusOK { return fmt.Errorf("%s status %d: %s", path, status, string(b)) }
        return nil
    })
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := postJSON(ctx, c, addr, "/join", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := postJSON(ctx, c, addr, "/leave", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostAppWrite(ctx context.Context, addr string, req transport.AppWriteRequest) (transport.AppWriteResponse, error) {
    var out transport.AppWriteResponse
    err := postJSON(ctx, c, addr, "/write", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostAppRead(ctx context.Context, addr string, req transport.AppReadRequest) (transport.AppReadResponse, error) {
    var out transport.AppReadResponse
    err := postJSON(ctx, c, addr, "/read", req, &out, func() string { return out.Error })
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
