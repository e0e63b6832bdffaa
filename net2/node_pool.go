package net2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwingeng/deque/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/stats"
)

// The pool of connections to a single node.
//
// slots bounds the number of checked out connections (including the ones
// being dialed).  numOpen counts checked out plus idle connections and never
// exceeds MaxConnsPerNode: a dial is only reserved while no idle connection
// is available, and releasing a connection moves it from checked out to idle
// without changing numOpen.
type nodePool struct {
	node    *ServerNode
	options ConnectionOptions
	logger  *zap.Logger

	slots  *semaphore.Weighted
	active int32 // atomic counter

	mutex      sync.Mutex
	isLameDuck bool                    // guarded by mutex
	numOpen    int                     // guarded by mutex
	idleConns  *deque.Deque[*physConn] // guarded by mutex; newest at the front

	activeGauge  stats.GaugeStat
	idleGauge    stats.GaugeStat
	dialOk       stats.CounterStat
	dialFailed   stats.CounterStat
	exhausted    stats.CounterStat
	acquireTimes stats.SummaryStat
}

func newNodePool(node *ServerNode, options ConnectionOptions) *nodePool {
	address := node.Address()
	factory := options.StatsFactory
	nodeTag := map[string]string{"node": address}
	return &nodePool{
		node:    node,
		options: options,
		logger:  options.Logger.With(zap.String("addr", address)),
		slots:   semaphore.NewWeighted(int64(options.MaxConnsPerNode)),

		idleConns: deque.NewDeque[*physConn](),

		activeGauge: factory.NewGauge("pool_active_conns", nodeTag),
		idleGauge:   factory.NewGauge("pool_idle_conns", nodeTag),
		dialOk: factory.NewCounter(
			"pool_dials_total",
			map[string]string{"node": address, "result": "ok"}),
		dialFailed: factory.NewCounter(
			"pool_dials_total",
			map[string]string{"node": address, "result": "error"}),
		exhausted:    factory.NewCounter("pool_exhausted_total", nodeTag),
		acquireTimes: factory.NewSummary("pool_acquire_seconds", nodeTag),
	}
}

func (p *nodePool) numActive() int32 {
	return atomic.LoadInt32(&p.active)
}

func (p *nodePool) numIdle() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.idleConns.Len()
}

func (p *nodePool) acquire(ctx context.Context, fresh bool) (*Conn, error) {
	start := p.options.Clock.Now()
	address := p.node.Address()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "Acquire %s", address)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.options.AcquireTimeout)
	err := p.slots.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		// A caller deadline only counts as exhaustion when every slot was
		// taken while it waited.
		if ctx.Err() == context.Canceled {
			return nil, errors.Wrapf(ctx.Err(), "Acquire %s", address)
		}
		if ContextDone(ctx) && int(p.numActive()) < p.options.MaxConnsPerNode {
			return nil, errors.Wrapf(
				context.DeadlineExceeded,
				"Acquire %s",
				address)
		}
		p.exhausted.Inc()
		return nil, errors.Wrapf(
			ErrPoolExhausted,
			"No free connection to %s after %v",
			address,
			p.options.Clock.Since(start))
	}
	p.activeGauge.Set(float64(atomic.AddInt32(&p.active, 1)))

	phys, err := p.checkout(ctx, fresh)
	if err != nil {
		p.slots.Release(1)
		p.activeGauge.Set(float64(atomic.AddInt32(&p.active, -1)))
		return nil, err
	}

	p.acquireTimes.Observe(p.options.Clock.Since(start).Seconds())
	phys.reset()
	return &Conn{phys: phys, pool: p}, nil
}

// Requires a slot.  Returns an idle connection, or dials a new one.
func (p *nodePool) checkout(ctx context.Context, fresh bool) (*physConn, error) {
	p.mutex.Lock()
	if p.isLameDuck {
		p.mutex.Unlock()
		return nil, errors.Wrapf(
			ErrPoolClosed,
			"Lame duck connection pool cannot return connections to %s",
			p.node.Address())
	}

	if !fresh {
		p.expireIdleLocked()
		if p.idleConns.Len() > 0 {
			// Oldest first.
			phys := p.idleConns.PopBack()
			p.idleGauge.Set(float64(p.idleConns.Len()))
			p.mutex.Unlock()
			return phys, nil
		}
	} else if p.numOpen >= p.options.MaxConnsPerNode && p.idleConns.Len() > 0 {
		// Make room for the fresh connection.
		_ = p.idleConns.PopBack().raw.Close()
		p.numOpen--
		p.idleGauge.Set(float64(p.idleConns.Len()))
	}
	p.numOpen++
	p.mutex.Unlock()

	phys, err := p.dial(ctx)
	if err != nil {
		p.mutex.Lock()
		p.numOpen--
		p.mutex.Unlock()
		return nil, err
	}
	return phys, nil
}

// ContextDone reports whether ctx is canceled or past its deadline.  Socket
// and derived context deadlines may fire before ctx itself reports it.
func ContextDone(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

func (p *nodePool) dial(ctx context.Context) (*physConn, error) {
	address := p.node.Address()

	prev := p.node.startDial()
	if prev == Down {
		p.logger.Info("Dialing down node", zap.String("state", Recovering.String()))
	}

	raw, err := p.options.dial(ctx, "tcp", address)
	if err != nil && ContextDone(ctx) {
		// The caller gave up; the node did not fail.
		p.node.abortDial(prev)
		ctxErr := ctx.Err()
		if ctxErr == nil {
			ctxErr = context.DeadlineExceeded
		}
		return nil, errors.Wrapf(ctxErr, "Dial %s", address)
	}
	if err != nil {
		p.dialFailed.Inc()
		if before := p.node.markDown(err); before != Down {
			p.logger.Warn("Marking node down", zap.Error(err))
		}
		return nil, errors.Wrapf(ErrConnectFailed, "Dial %s: %v", address, err)
	}

	p.dialOk.Inc()
	if before := p.node.markUp(p.options.Clock.Now()); before != Up {
		p.logger.Info("Node is back up", zap.String("prev_state", before.String()))
	}
	return newPhysConn(raw, &p.options), nil
}

// This returns a connection to the idle deque, or closes it when the pool
// is in lame duck mode or already holds enough idle connections.
func (p *nodePool) release(phys *physConn) {
	now := p.options.Clock.Now()
	p.node.touch(now)

	p.mutex.Lock()
	if p.isLameDuck || p.options.MaxIdleConnsPerNode == 0 {
		_ = phys.raw.Close()
		p.numOpen--
	} else {
		phys.idleSince = now
		p.idleConns.PushFront(phys)
		for p.idleConns.Len() > p.options.MaxIdleConnsPerNode {
			_ = p.idleConns.PopBack().raw.Close()
			p.numOpen--
		}
	}
	p.idleGauge.Set(float64(p.idleConns.Len()))
	p.mutex.Unlock()

	p.releaseSlot()
}

// This closes a checked out connection and frees its slot.
func (p *nodePool) discard(phys *physConn) error {
	err := phys.raw.Close()

	p.mutex.Lock()
	p.numOpen--
	p.mutex.Unlock()

	p.releaseSlot()
	if err != nil {
		return errors.Wrap(err, "Failed to close connection")
	}
	return nil
}

func (p *nodePool) releaseSlot() {
	p.activeGauge.Set(float64(atomic.AddInt32(&p.active, -1)))
	p.slots.Release(1)
}

// Requires mutex.  Closes the idle connections that outlived MaxIdleTime.
func (p *nodePool) expireIdleLocked() {
	if p.options.MaxIdleTime <= 0 {
		return
	}

	now := p.options.Clock.Now()
	for p.idleConns.Len() > 0 {
		oldest := p.idleConns.PopBack()
		if now.Sub(oldest.idleSince) < p.options.MaxIdleTime {
			p.idleConns.PushBack(oldest)
			break
		}
		_ = oldest.raw.Close()
		p.numOpen--
	}
	p.idleGauge.Set(float64(p.idleConns.Len()))
}

func (p *nodePool) enterLameDuckMode() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.isLameDuck = true
	for p.idleConns.Len() > 0 {
		_ = p.idleConns.PopBack().raw.Close()
		p.numOpen--
	}
	p.idleGauge.Set(0)
}

// Used by tests to check the open connection bound.
func (p *nodePool) numOpenConns() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.numOpen
}
