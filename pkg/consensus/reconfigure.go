package consensus

import "time"

// Reconfigurer changes the voter set through the replicated log. Changes are
// leader-only and take effect once the config entry is applied; at most one
// change may be uncommitted at a time.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}

// FencingValidator is implemented by engines that can check a fencing token
// against their current term.
type FencingValidator interface {
    FencingToken() (FencingToken, bool)
    ValidateFencingToken(tok FencingToken) error
}
