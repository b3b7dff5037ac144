// Package comm provides the process-group collective primitive the
// partitioner runs on: a fixed set of shared-nothing ranks, each executing
// the same program, synchronizing only through blocking collectives.
//
// Ranks are goroutines of one process. Every collective is deterministic:
// contributions are combined in ascending rank order, so results are
// bitwise identical across runs with the same inputs and group size.
package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group is a fixed-size process group. Create one with NewGroup and start
// the ranks with Run; each rank receives its own *Comm handle.
type Group struct {
	size  int
	state *groupState
}

// groupState is the rendezvous shared by all ranks of a group.
type groupState struct {
	mu      sync.Mutex
	size    int
	arrived int
	slots   []interface{}
	round   *round
	aborted bool
	cancel  chan struct{}
}

// round carries one collective's snapshot from the last arriver to the
// waiting ranks. A fresh round replaces it before the waiters wake, so a
// slow rank can never observe a later collective's data.
type round struct {
	done chan struct{}
	snap []interface{}
}

// NewGroup creates a process group with the given number of ranks.
func NewGroup(size int) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("comm: group size must be positive, got %d", size)
	}
	st := &groupState{
		size:   size,
		slots:  make([]interface{}, size),
		round:  &round{done: make(chan struct{})},
		cancel: make(chan struct{}),
	}
	return &Group{size: size, state: st}, nil
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Run executes body once per rank, each on its own goroutine, and blocks
// until all ranks return. The first error cancels the group: every rank
// blocked in a collective fails with a CollectiveFailure-style error.
func (g *Group) Run(ctx context.Context, body func(c *Comm) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, g.state.abort)
	defer stop()

	for rank := 0; rank < g.size; rank++ {
		c := &Comm{rank: rank, size: g.size, state: g.state}
		eg.Go(func() error {
			if err := body(c); err != nil {
				g.state.abort()
				return fmt.Errorf("rank %d: %w", c.rank, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Single returns a standalone rank-0 handle of a one-rank group. All
// collectives complete inline; useful for sequential callers and tests.
func Single() *Comm {
	g, _ := NewGroup(1)
	return &Comm{rank: 0, size: 1, state: g.state}
}

func (s *groupState) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		close(s.cancel)
	}
}

// rendezvous deposits this rank's contribution and blocks until every rank
// has arrived, then returns the per-rank contributions of this collective.
// The returned slice is shared between ranks and must be treated read-only.
func (s *groupState) rendezvous(rank int, contrib interface{}) ([]interface{}, error) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return nil, ErrCollectiveFailure
	}
	s.slots[rank] = contrib
	s.arrived++
	if s.arrived == s.size {
		r := s.round
		r.snap = make([]interface{}, s.size)
		copy(r.snap, s.slots)
		s.arrived = 0
		s.round = &round{done: make(chan struct{})}
		s.mu.Unlock()
		close(r.done)
		return r.snap, nil
	}
	r := s.round
	s.mu.Unlock()

	select {
	case <-r.done:
		return r.snap, nil
	case <-s.cancel:
		return nil, ErrCollectiveFailure
	}
}
