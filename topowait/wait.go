// Package topowait implements the bounded topology-connectivity poll a
// resume waits on before reopening a cursor.
package topowait

import (
	"context"
	"time"

	"github.com/sliftist/changestream/internal/driverapi"
)

// PollInterval is the coarse, deliberately un-jittered polling cadence:
// topology monitoring is the underlying source of truth, so there is no
// benefit to a tighter loop.
const PollInterval = 500 * time.Millisecond

// Deadline bounds how long Wait polls before giving up, anchored at the
// first attempt.
const Deadline = 30 * time.Second

// Wait blocks until topo reports connected, the deadline elapses, or ctx
// is done, whichever comes first.
func Wait(ctx context.Context, topo driverapi.Topology) error {
	deadline := time.Now().Add(Deadline)

	if topo.IsConnected() {
		return nil
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if topo.IsConnected() {
				return nil
			}
			if time.Now().After(deadline) {
				return context.DeadlineExceeded
			}
		}
	}
}
