// Package retry holds the declarative redundancy schedule for
// signaling sends. There is no acknowledgment channel on the broadcast
// transport, so critical envelopes are re-published at fixed offsets
// instead of waiting for a reply.
package retry

import (
	"context"
	"time"
)

// Policy lists offsets from the start of the operation at which the
// attempt function runs. Offsets must be ascending; offset zero fires
// immediately.
type Policy struct {
	Offsets []time.Duration
}

// InvitePolicy re-sends a call invite so a remote whose channel was not
// yet connected at the first send still catches a later copy.
var InvitePolicy = Policy{Offsets: []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond}}

// Once is a single immediate attempt.
var Once = Policy{Offsets: []time.Duration{0}}

// Run executes fn at each scheduled offset until the context is
// cancelled. Attempt errors do not stop the schedule; every copy is
// fire-and-forget and the last error is returned for logging only.
func (p Policy) Run(ctx context.Context, fn func(attempt int) error) error {
	start := time.Now()
	var last error
	for i, off := range p.Offsets {
		wait := off - time.Since(start)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i); err != nil {
			last = err
		}
	}
	return last
}
