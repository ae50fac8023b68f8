package cpu

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-phalanx/internal/ccl"
	"github.com/23skdu/longbow-phalanx/internal/metrics"
	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

// Collectives is the in-process collective backend. Ranks meet at a
// two-phase barrier: after the first every rank sums all contributions
// into private scratch, after the second each writes its own recv buffer,
// so send and recv may alias.
type Collectives struct{}

func (Collectives) Kind() runtime.DeviceKind {
	return runtime.CPU
}

func (Collectives) CommInitAll(deviceIDs []int) ([]ccl.Comm, error) {
	g := &group{
		n:       len(deviceIDs),
		release: make(chan struct{}),
		sends:   make([][]byte, len(deviceIDs)),
		counts:  make([]int, len(deviceIDs)),
		dtypes:  make([]runtime.DType, len(deviceIDs)),
	}
	comms := make([]ccl.Comm, len(deviceIDs))
	for rank, id := range deviceIDs {
		comms[rank] = &Comm{
			g:    g,
			rank: rank,
			dev:  runtime.Device{Kind: runtime.CPU, ID: id},
		}
	}
	return comms, nil
}

type group struct {
	n int

	mu      sync.Mutex
	arrived int
	release chan struct{}
	err     error

	sends  [][]byte
	counts []int
	dtypes []runtime.DType
}

// wait is a cyclic barrier. A cancelled context breaks the group for every
// rank, current and future.
func (g *group) wait(ctx context.Context) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return err
	}
	ch := g.release
	g.arrived++
	if g.arrived == g.n {
		g.arrived = 0
		g.release = make(chan struct{})
		close(ch)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	select {
	case <-ch:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.err
	case <-ctx.Done():
		g.abort(ctx.Err())
		return g.broken()
	}
}

func (g *group) abort(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	g.err = runtime.NewError(runtime.StatusExecutionFailed, "AllReduceSum", "communicator aborted", cause)
	close(g.release)
}

func (g *group) broken() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Comm is one rank of an in-process communicator group.
type Comm struct {
	g         *group
	rank      int
	dev       runtime.Device
	destroyed atomic.Bool
}

func (c *Comm) Rank() int              { return c.rank }
func (c *Comm) Size() int              { return c.g.n }
func (c *Comm) Device() runtime.Device { return c.dev }

func (c *Comm) AllReduceSum(ctx context.Context, send, recv runtime.Ptr, count int, dt runtime.DType, s runtime.Stream) error {
	const op = "AllReduceSum"
	if c.destroyed.Load() {
		return runtime.NewError(runtime.StatusInvalidArgument, op, "communicator destroyed", nil)
	}
	if err := ccl.CheckAllReduce(c, send, recv, count, dt, s); err != nil {
		return err
	}
	nbytes := count * dt.Size()
	sb, err := resolve(op, send, nbytes)
	if err != nil {
		return err
	}
	rb, err := resolve(op, recv, nbytes)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return runtime.Launch(s, func() error {
		if err := c.reduce(ctx, sb, rb, count, dt); err != nil {
			return err
		}
		metrics.RecordAllReduce(nbytes)
		return nil
	})
}

func (c *Comm) reduce(ctx context.Context, send, recv []byte, count int, dt runtime.DType) error {
	g := c.g
	if g.n == 1 {
		copy(recv, send)
		return nil
	}

	g.mu.Lock()
	g.sends[c.rank] = send
	g.counts[c.rank] = count
	g.dtypes[c.rank] = dt
	g.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return err
	}

	for r := 0; r < g.n; r++ {
		if g.counts[r] != count || g.dtypes[r] != dt {
			return runtime.Errorf(runtime.StatusInvalidArgument, "AllReduceSum",
				"rank %d reduces %d x %s, rank %d reduces %d x %s", c.rank, count, dt, r, g.counts[r], g.dtypes[r])
		}
	}

	acc := make([]float32, count)
	for r := 0; r < g.n; r++ {
		src := g.sends[r]
		for i := range acc {
			acc[i] += dt.Load(src, i)
		}
	}

	if err := g.wait(ctx); err != nil {
		return err
	}
	for i, v := range acc {
		dt.Store(recv, i, v)
	}
	return nil
}

func (c *Comm) Destroy() error {
	c.destroyed.Store(true)
	return nil
}
