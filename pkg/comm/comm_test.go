package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarReductions(t *testing.T) {
	for _, size := range []int{1, 2, 4, 7} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			g, err := NewGroup(size)
			require.NoError(t, err)

			err = g.Run(context.Background(), func(c *Comm) error {
				sum, err := c.SumFloat(float64(c.Rank() + 1))
				if err != nil {
					return err
				}
				want := float64(size*(size+1)) / 2
				if sum != want {
					return fmt.Errorf("sum: got %v, want %v", sum, want)
				}

				max, err := c.MaxInt(c.Rank())
				if err != nil {
					return err
				}
				if max != size-1 {
					return fmt.Errorf("max: got %d, want %d", max, size-1)
				}

				min, err := c.MinFloat(float64(c.Rank()))
				if err != nil {
					return err
				}
				if min != 0 {
					return fmt.Errorf("min: got %v, want 0", min)
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestVectorSumIsDeterministic(t *testing.T) {
	// Two identical runs must produce bitwise identical results.
	run := func() []float64 {
		g, err := NewGroup(4)
		require.NoError(t, err)
		var mu sync.Mutex
		var result []float64
		err = g.Run(context.Background(), func(c *Comm) error {
			xs := make([]float64, 16)
			for i := range xs {
				xs[i] = 0.1 * float64(i+c.Rank())
			}
			if err := c.SumFloats(xs); err != nil {
				return err
			}
			if c.IsRoot() {
				mu.Lock()
				result = xs
				mu.Unlock()
			}
			return nil
		})
		require.NoError(t, err)
		return result
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestAllAny(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)
	err = g.Run(context.Background(), func(c *Comm) error {
		all, err := c.All(c.Rank() != 1)
		if err != nil {
			return err
		}
		if all {
			return errors.New("All should be false when rank 1 dissents")
		}
		any, err := c.Any(c.Rank() == 1)
		if err != nil {
			return err
		}
		if !any {
			return errors.New("Any should be true")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBcastAndGather(t *testing.T) {
	g, err := NewGroup(4)
	require.NoError(t, err)
	err = g.Run(context.Background(), func(c *Comm) error {
		xs := []float64{0, 0, 0}
		if c.Rank() == 2 {
			xs = []float64{1.5, 2.5, 3.5}
		}
		if err := c.BcastFloats(xs, 2); err != nil {
			return err
		}
		if xs[0] != 1.5 || xs[2] != 3.5 {
			return fmt.Errorf("bcast result wrong: %v", xs)
		}

		parts, err := c.AllGatherInts([]int{c.Rank(), c.Rank() * 10})
		if err != nil {
			return err
		}
		for r, part := range parts {
			if part[0] != r || part[1] != r*10 {
				return fmt.Errorf("gather rank %d wrong: %v", r, part)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestExchangeDeliversSparsePayloads(t *testing.T) {
	g, err := NewGroup(4)
	require.NoError(t, err)
	err = g.Run(context.Background(), func(c *Comm) error {
		// Every rank sends its rank id to rank+1 only.
		next := (c.Rank() + 1) % c.Size()
		in, err := c.ExchangeInt64s(map[int][]int64{next: {int64(c.Rank())}})
		if err != nil {
			return err
		}
		prev := (c.Rank() + 3) % 4
		if len(in) != 1 || len(in[prev]) != 1 || in[prev][0] != int64(prev) {
			return fmt.Errorf("rank %d received %v", c.Rank(), in)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSwapPairs(t *testing.T) {
	g, err := NewGroup(4)
	require.NoError(t, err)
	err = g.Run(context.Background(), func(c *Comm) error {
		// Pairing (0,1) and (2,3); exchange rank ids.
		partner := c.Rank() ^ 1
		got, err := c.SwapFloats(partner, []float64{float64(c.Rank())})
		if err != nil {
			return err
		}
		if got[0] != float64(partner) {
			return fmt.Errorf("rank %d got %v from partner %d", c.Rank(), got, partner)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRingShift(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)
	err = g.Run(context.Background(), func(c *Comm) error {
		got, err := c.RingShiftInts([]int{c.Rank()})
		if err != nil {
			return err
		}
		want := (c.Rank() + 2) % 3
		if got[0] != want {
			return fmt.Errorf("rank %d got %v, want %d", c.Rank(), got, want)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRankErrorCancelsCollectives(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)
	boom := errors.New("boom")
	err = g.Run(context.Background(), func(c *Comm) error {
		if c.Rank() == 0 {
			return boom
		}
		// The other ranks block in a collective rank 0 never joins.
		_, err := c.SumFloat(1)
		if !errors.Is(err, ErrCollectiveFailure) {
			return fmt.Errorf("expected collective failure, got %v", err)
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSingle(t *testing.T) {
	c := Single()
	require.Equal(t, 1, c.Size())
	sum, err := c.SumFloat(42)
	require.NoError(t, err)
	assert.Equal(t, 42.0, sum)
}
