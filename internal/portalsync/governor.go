package portalsync

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const DefaultLocalLimit = 5

// Governor serializes portal access and bounds parallel reads from local
// sources. Remote and Local must not be nested in the same direction: a
// function running under Remote must not call Remote again.
type Governor struct {
	remote *semaphore.Weighted
	local  *semaphore.Weighted

	localLimit    int
	remoteActive  atomic.Int64
	remoteWaiting atomic.Int64
	localActive   atomic.Int64
	localWaiting  atomic.Int64
}

type GovernorStats struct {
	RemoteActive  int64 `json:"remoteActive"`
	RemoteWaiting int64 `json:"remoteWaiting"`
	LocalActive   int64 `json:"localActive"`
	LocalWaiting  int64 `json:"localWaiting"`
	LocalLimit    int   `json:"localLimit"`
}

func NewGovernor(localLimit int) *Governor {
	if localLimit <= 0 {
		localLimit = DefaultLocalLimit
	}
	return &Governor{
		remote:     semaphore.NewWeighted(1),
		local:      semaphore.NewWeighted(int64(localLimit)),
		localLimit: localLimit,
	}
}

// Remote runs fn while holding the single portal slot.
func (g *Governor) Remote(ctx context.Context, fn func(context.Context) error) error {
	return run(ctx, g.remote, &g.remoteActive, &g.remoteWaiting, fn)
}

// Local runs fn while holding one of the local fetch slots.
func (g *Governor) Local(ctx context.Context, fn func(context.Context) error) error {
	return run(ctx, g.local, &g.localActive, &g.localWaiting, fn)
}

func (g *Governor) Stats() GovernorStats {
	return GovernorStats{
		RemoteActive:  g.remoteActive.Load(),
		RemoteWaiting: g.remoteWaiting.Load(),
		LocalActive:   g.localActive.Load(),
		LocalWaiting:  g.localWaiting.Load(),
		LocalLimit:    g.localLimit,
	}
}

func run(ctx context.Context, sem *semaphore.Weighted, active, waiting *atomic.Int64, fn func(context.Context) error) error {
	waiting.Add(1)
	err := sem.Acquire(ctx, 1)
	waiting.Add(-1)
	if err != nil {
		return err
	}
	active.Add(1)
	defer func() {
		active.Add(-1)
		sem.Release(1)
	}()
	return fn(ctx)
}
