package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/rpcclient"
)

var (
	// ErrShutdown is returned by pool operations after Shutdown.
	ErrShutdown = errors.New("rpcpool: pool is shut down")

	// ErrOverloaded is returned when an endpoint's budget would be
	// exceeded by a request.
	ErrOverloaded = errors.New("rpcpool: endpoint over budget")

	// ErrNotConfigured is returned by dispatch before the first
	// successful Configure.
	ErrNotConfigured = errors.New("rpcpool: no endpoints configured")

	// ErrClusterMismatch is returned by Configure when an endpoint
	// reports a genesis hash different from the rest of the pool.
	ErrClusterMismatch = errors.New("rpcpool: endpoint genesis hash mismatch")
)

// Target describes one endpoint to configure, with optional budgets. A nil
// budget means unlimited.
type Target struct {
	URL         string
	MaxRequests *Budget
	MaxData     *Budget
}

// DefaultTargets returns the standard public mainnet endpoint set. The
// official endpoint carries rate limits; the others are unrestricted.
func DefaultTargets() []Target {
	return []Target{
		{
			URL:         "https://api.mainnet-beta.solana.com",
			MaxRequests: &Budget{Limit: 40, Window: 10 * time.Second},
			MaxData:     &Budget{Limit: 100_000_000, Window: 30 * time.Second},
		},
		{URL: "https://ssc-dao.genesysgo.net"},
	}
}

// Operation is a unit of work dispatched to one endpoint.
type Operation func(ctx context.Context, conn *Conn) error

// Pool distributes operations round-robin over a set of rate-limited
// endpoints, all serving the same cluster. Operations dispatched through
// Dispatch are retried on other endpoints until they succeed or the pool
// shuts down.
type Pool struct {
	log          *zap.Logger
	metrics      *Metrics
	sizes        SizeEstimates
	timeout      time.Duration
	retryBackoff time.Duration

	mu          sync.RWMutex
	conns       []*Conn
	byURL       map[string]*Conn
	genesis     types.Hash
	haveGenesis bool
	cursor      uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates an unconfigured pool. Call Configure before dispatching.
func NewPool() *Pool {
	return &Pool{
		log:          zap.NewNop(),
		sizes:        DefaultSizeEstimates(),
		timeout:      30 * time.Second,
		retryBackoff: time.Second,
		byURL:        make(map[string]*Conn),
		done:         make(chan struct{}),
	}
}

// SetLogger replaces the pool logger. Call before Configure.
func (p *Pool) SetLogger(log *zap.Logger) {
	p.log = log
}

// SetMetrics attaches dispatch metrics. Call before Configure.
func (p *Pool) SetMetrics(m *Metrics) {
	p.metrics = m
}

// SetSizeEstimates overrides the per-operation data budget charges. Call
// before Configure.
func (p *Pool) SetSizeEstimates(sizes SizeEstimates) {
	p.sizes = sizes
}

// SetRequestTimeout overrides the per-request HTTP timeout. Call before
// Configure.
func (p *Pool) SetRequestTimeout(timeout time.Duration) {
	p.timeout = timeout
}

// SetRetryBackoff overrides the delay between dispatch retries. Call
// before Configure.
func (p *Pool) SetRetryBackoff(backoff time.Duration) {
	p.retryBackoff = backoff
}

// Configure replaces the endpoint set. Passing no targets installs
// DefaultTargets. Every endpoint must serve the same cluster, verified by
// genesis hash; the first Configure pins the pool's cluster and later calls
// must match it. On any error the previous endpoint set is retained
// unchanged. Endpoints already in the pool are kept, with their in-flight
// budget accounting, and only their budgets are updated.
func (p *Pool) Configure(ctx context.Context, targets []Target) error {
	if p.isShutdown() {
		return ErrShutdown
	}
	if len(targets) == 0 {
		targets = DefaultTargets()
	}

	p.mu.RLock()
	genesis := p.genesis
	haveGenesis := p.haveGenesis
	oldByURL := p.byURL
	p.mu.RUnlock()

	conns := make([]*Conn, 0, len(targets))
	byURL := make(map[string]*Conn, len(targets))

	for _, t := range targets {
		if _, dup := byURL[t.URL]; dup {
			return fmt.Errorf("rpcpool: duplicate endpoint %s", t.URL)
		}

		conn, reused := oldByURL[t.URL]
		if !reused {
			conn = newConn(rpcclient.New(t.URL, p.timeout), t.MaxRequests, t.MaxData, p.sizes)
			hash, err := conn.GetGenesisHash(ctx)
			if err != nil {
				return fmt.Errorf("rpcpool: endpoint %s: %w", t.URL, err)
			}
			if !haveGenesis {
				genesis = hash
				haveGenesis = true
			} else if !hash.Equals(genesis) {
				return fmt.Errorf("%w: %s reports %s, pool pinned to %s",
					ErrClusterMismatch, t.URL, hash, genesis)
			}
		}

		conns = append(conns, conn)
		byURL[t.URL] = conn
	}

	// Second pass after all endpoints validated: apply budget updates to
	// reused endpoints only once the whole set is known good.
	for _, t := range targets {
		if _, reused := oldByURL[t.URL]; reused {
			byURL[t.URL].setBudgets(t.MaxRequests, t.MaxData)
		}
	}

	p.mu.Lock()
	p.conns = conns
	p.byURL = byURL
	p.genesis = genesis
	p.haveGenesis = haveGenesis
	p.mu.Unlock()

	p.log.Info("endpoint pool configured",
		zap.Int("endpoints", len(conns)),
		zap.Stringer("genesis", genesis))
	return nil
}

// Genesis returns the cluster genesis hash the pool is pinned to, if
// Configure has succeeded at least once.
func (p *Pool) Genesis() (types.Hash, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.genesis, p.haveGenesis
}

// Endpoints returns the URLs of the configured endpoints in rotation order.
func (p *Pool) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, len(p.conns))
	for i, c := range p.conns {
		urls[i] = c.URL()
	}
	return urls
}

// next picks the next endpoint round-robin.
func (p *Pool) next() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil, ErrNotConfigured
	}
	conn := p.conns[p.cursor%uint64(len(p.conns))]
	p.cursor++
	return conn, nil
}

// Dispatch runs op against pool endpoints until it succeeds. Failures
// rotate to the next endpoint; a failed full pass waits out the retry
// backoff before trying again. Dispatch returns early only when the pool
// shuts down or ctx is canceled.
func (p *Pool) Dispatch(ctx context.Context, op Operation) error {
	for attempt := 0; ; attempt++ {
		if p.isShutdown() {
			return ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := p.next()
		if err == nil {
			err = op(ctx, conn)
			if err == nil {
				if p.metrics != nil {
					p.metrics.Dispatches.Inc()
				}
				return nil
			}
			p.log.Debug("dispatch attempt failed",
				zap.String("endpoint", conn.URL()),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if p.metrics != nil {
			p.metrics.Retries.Inc()
			if errors.Is(err, ErrOverloaded) {
				p.metrics.OverloadRejections.Inc()
			}
		}

		select {
		case <-p.done:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryBackoff):
		}
	}
}

// DispatchOnce runs op against a single endpoint with no retry.
func (p *Pool) DispatchOnce(ctx context.Context, op Operation) error {
	if p.isShutdown() {
		return ErrShutdown
	}
	conn, err := p.next()
	if err != nil {
		return err
	}
	err = op(ctx, conn)
	if p.metrics != nil {
		if err == nil {
			p.metrics.Dispatches.Inc()
		} else if errors.Is(err, ErrOverloaded) {
			p.metrics.OverloadRejections.Inc()
		}
	}
	return err
}

// RunPeriodically runs op every interval on a pool-owned goroutine until
// Shutdown. Runs never overlap; a failed run is retried after the retry
// backoff instead of waiting out the full interval. The first run starts
// immediately.
func (p *Pool) RunPeriodically(ctx context.Context, name string, interval time.Duration, op func(ctx context.Context) error) {
	if p.isShutdown() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			delay := interval
			if err := op(ctx); err != nil {
				if !errors.Is(err, ErrShutdown) && !errors.Is(err, context.Canceled) {
					p.log.Warn("periodic task failed",
						zap.String("task", name),
						zap.Error(err))
					if p.metrics != nil {
						p.metrics.TaskFailures.WithLabelValues(name).Inc()
					}
				}
				delay = p.retryBackoff
			}
			select {
			case <-p.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
}

// Shutdown stops periodic tasks and fails pending dispatches with
// ErrShutdown. Idempotent; blocks until periodic tasks have exited.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *Pool) isShutdown() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
