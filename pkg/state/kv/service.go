package kv

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/google/uuid"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

// Service adapts a Store and the consensus engine that drives it to the
// cluster's application handler contract: writes go through the log, reads
// are served from the applied state.
type Service struct {
    store   *Store
    cons    c.Consensus
    timeout time.Duration
}

func NewService(store *Store, cons c.Consensus, timeout time.Duration) *Service {
    if timeout <= 0 { timeout = 5 * time.Second }
    return &Service{store: store, cons: cons, timeout: timeout}
}

func decodeRequest(data []byte) (Request, error) {
    var req Request
    if err := json.Unmarshal(data, &req); err != nil { return req, fmt.Errorf("kv: bad request: %w", err) }
    if req.Key == "" { return req, ErrEmptyKey }
    return req, nil
}

// HandleWrite replicates a put or delete and returns the encoded Result once
// it is applied on this node. Requests without an id get one, so only
// callers that supply their own id are protected against double apply.
func (s *Service) HandleWrite(ctx context.Context, op string, data []byte) ([]byte, error) {
    if op != OpPut && op != OpDelete { return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op) }
    req, err := decodeRequest(data)
    if err != nil { return nil, err }
    if req.ID == "" { req.ID = uuid.NewString() }
    payload, err := json.Marshal(req)
    if err != nil { return nil, err }
    timeout := s.timeout
    if dl, ok := ctx.Deadline(); ok { timeout = time.Until(dl) }
    return s.cons.Apply(c.Command{Op: op, Payload: payload}, timeout)
}

// HandleRead answers a get from the local applied state.
func (s *Service) HandleRead(ctx context.Context, op string, data []byte) ([]byte, error) {
    if op != OpGet { return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op) }
    req, err := decodeRequest(data)
    if err != nil { return nil, err }
    v, ok := s.store.Get(req.Key)
    return json.Marshal(Result{Key: req.Key, Value: v, Found: ok, Index: s.store.Applied()})
}
