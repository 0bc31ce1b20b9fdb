package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the leader to add a node as a voter. RaftAddr is the
// address the node serves consensus RPCs on.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a node from the voter configuration.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveResponse indicates whether the removal was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// AppWriteRequest is a state machine write, forwarded to the leader when it
// arrives at a follower.
type AppWriteRequest struct {
    Op   string `json:"op"`
    Data []byte `json:"data"`
}

type AppWriteResponse struct {
    Data   []byte `json:"data,omitempty"`
    Leader string `json:"leader,omitempty"`
    Error  string `json:"error,omitempty"`
}

type AppWriteFunc func(ctx context.Context, req AppWriteRequest) (AppWriteResponse, error)

// AppReadRequest queries the local state machine. Linearizable reads are
// served by the leader only.
type AppReadRequest struct {
    Op   string `json:"op"`
    Data []byte `json:"data"`
    // Stale allows a follower to answer from its applied state.
    Stale bool `json:"stale,omitempty"`
}

type AppReadResponse struct {
    Data   []byte `json:"data,omitempty"`
    Leader string `json:"leader,omitempty"`
    Error  string `json:"error,omitempty"`
}

type AppReadFunc func(ctx context.Context, req AppReadRequest) (AppReadResponse, error)

// Handlers bundles the management callbacks served by an RPCServer. Nil
// members answer with an "unavailable" error.
type Handlers struct {
    Status StatusFunc
    Join   JoinFunc
    Leave  LeaveFunc
    Write  AppWriteFunc
    Read   AppReadFunc
}

// RPCServer exposes management endpoints (status, join, leave, write, read)
// to operators and to other nodes.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    PostAppWrite(ctx context.Context, addr string, req AppWriteRequest) (AppWriteResponse, error)
    PostAppRead(ctx context.Context, addr string, req AppReadRequest) (AppReadResponse, error)
}
