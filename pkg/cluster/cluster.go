// Package cluster maintains a local mirror of the on-chain block and
// entry accounts by crawling them in derivation order on an interval,
// diffing each observation against the cached entity, and notifying
// subscribers of changes.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/rpcclient"
	"github.com/niftylabs/nifty-go/pkg/rpcpool"
)

const (
	// blocksAtOnce is the block crawl batch size.
	blocksAtOnce = 3

	// entriesAtOnce is the entry crawl batch size.
	entriesAtOnce = 20

	// DefaultSlotDuration is the expected wall-clock seconds per slot on
	// public clusters.
	DefaultSlotDuration = 0.62

	// LocalSlotDuration is the expected seconds per slot on a local test
	// validator, which runs much faster.
	LocalSlotDuration = 0.1

	defaultClockInterval = 5 * time.Second
	defaultCrawlInterval = 60 * time.Second
)

// Callbacks receives cache change notifications. Callbacks run on a
// dedicated notifier goroutine, in order, never from inside an RPC
// completion path. Any field may be nil.
type Callbacks struct {
	// OnNewEntry fires the first time an entry is admitted.
	OnNewEntry func(*Entry)

	// OnEntryChanged fires when a later observation of an entry or its
	// block detects a change.
	OnEntryChanged func(*Entry)

	// OnEntriesUpdateComplete fires once a full crawl pass finds no
	// further blocks.
	OnEntriesUpdateComplete func()
}

// Config carries cluster construction parameters.
type Config struct {
	// SlotDurationSeconds is the expected seconds per slot used for
	// clock extrapolation. Zero means infer: LocalSlotDuration when the
	// pool's only endpoint is a local validator, DefaultSlotDuration
	// otherwise.
	SlotDurationSeconds float64

	// ClockInterval is the clock sample period. Zero means 5s.
	ClockInterval time.Duration

	// CrawlInterval is the delay between full crawl passes. Zero means
	// 60s.
	CrawlInterval time.Duration

	Callbacks Callbacks

	Logger *zap.Logger
}

// Cluster is the block/entry cache. Cached entities are updated in place
// so references held by subscribers stay current; entities are never
// removed.
type Cluster struct {
	pool         *rpcpool.Pool
	log          *zap.Logger
	slotDuration float64
	clockEvery   time.Duration
	crawlEvery   time.Duration
	callbacks    Callbacks

	clock Clock

	mu           sync.RWMutex
	blocks       map[types.Pubkey]*Block
	entries      map[types.Pubkey]*Entry
	entryPubkeys []types.Pubkey

	notifyMu    sync.Mutex
	notifyQueue []func()
	notifyCond  *sync.Cond

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a cluster cache over pool. Call Start to begin crawling.
func New(pool *rpcpool.Pool, cfg Config) *Cluster {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SlotDurationSeconds == 0 {
		cfg.SlotDurationSeconds = inferSlotDuration(pool.Endpoints())
	}
	if cfg.ClockInterval == 0 {
		cfg.ClockInterval = defaultClockInterval
	}
	if cfg.CrawlInterval == 0 {
		cfg.CrawlInterval = defaultCrawlInterval
	}

	c := &Cluster{
		pool:         pool,
		log:          cfg.Logger,
		slotDuration: cfg.SlotDurationSeconds,
		clockEvery:   cfg.ClockInterval,
		crawlEvery:   cfg.CrawlInterval,
		callbacks:    cfg.Callbacks,
		blocks:       make(map[types.Pubkey]*Block),
		entries:      make(map[types.Pubkey]*Entry),
		done:         make(chan struct{}),
	}
	c.notifyCond = sync.NewCond(&c.notifyMu)
	return c
}

func inferSlotDuration(endpoints []string) float64 {
	if len(endpoints) == 1 && endpoints[0] == "http://localhost:8899" {
		return LocalSlotDuration
	}
	return DefaultSlotDuration
}

// Start launches the notifier plus the periodic clock sample and crawl
// loops on the pool.
func (c *Cluster) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.runNotifier()

	c.pool.RunPeriodically(ctx, "clock sample", c.clockEvery, func(ctx context.Context) error {
		return c.clock.Sample(ctx, c.pool)
	})
	c.pool.RunPeriodically(ctx, "block crawl", c.crawlEvery, func(ctx context.Context) error {
		return c.updateBlocks(ctx)
	})
}

// Shutdown stops the notifier and shuts down the underlying pool, failing
// all pending dispatches. Idempotent.
func (c *Cluster) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.notifyCond.Broadcast()
	})
	c.pool.Shutdown()
	c.wg.Wait()
}

// SlotDuration returns the seconds-per-slot used for clock extrapolation.
func (c *Cluster) SlotDuration() float64 {
	return c.slotDuration
}

// Clock returns an extrapolated clock reading, or nil if no sample has
// succeeded yet. Successive readings may go backwards if a fresher but
// lower sample lands between calls.
func (c *Cluster) Clock() *ClockReading {
	return c.clock.Read(c.slotDuration)
}

// ClockAt is Clock with an explicit slot duration.
func (c *Cluster) ClockAt(slotDuration float64) *ClockReading {
	return c.clock.Read(slotDuration)
}

// EntryCount returns the number of cached entries.
func (c *Cluster) EntryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entryPubkeys)
}

// EntryAt returns the cached entry at index in insertion order, or nil if
// out of range.
func (c *Cluster) EntryAt(index int) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.entryPubkeys) {
		return nil
	}
	return c.entries[c.entryPubkeys[index]]
}

// Entry returns the cached entry with the given address, or nil.
func (c *Cluster) Entry(pubkey types.Pubkey) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[pubkey]
}

// Entries returns a snapshot of all cached entries in insertion order.
func (c *Cluster) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, len(c.entryPubkeys))
	for i, pk := range c.entryPubkeys {
		out[i] = c.entries[pk]
	}
	return out
}

// Block returns the cached block with the given address, or nil.
func (c *Cluster) Block(pubkey types.Pubkey) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[pubkey]
}

// RefreshEntry re-fetches one entry and its block out of band, diffs, and
// notifies OnEntryChanged if anything changed.
func (c *Cluster) RefreshEntry(ctx context.Context, entry *Entry) error {
	var blockAcct, entryAcct *rpcclient.Account

	err := c.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		blockAcct, err = conn.GetAccountInfo(ctx, entry.Block.Pubkey, nil)
		return err
	})
	if err != nil {
		return err
	}
	err = c.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		entryAcct, err = conn.GetAccountInfo(ctx, entry.Pubkey, nil)
		return err
	})
	if err != nil {
		return err
	}
	if blockAcct == nil || entryAcct == nil {
		return fmt.Errorf("cluster: entry %s or its block no longer exists", entry.Pubkey)
	}

	blockChanged, err := entry.Block.Update(blockAcct.Data)
	if err != nil {
		return err
	}
	entryChanged, err := entry.Update(entryAcct.Data)
	if err != nil {
		return err
	}

	if blockChanged || entryChanged {
		c.notifyEntryChanged(entry)
	}
	return nil
}

// updateBlocks runs one full crawl pass: batches of block addresses per
// group in derivation order, spilling into an entry crawl for every
// complete block seen. An empty batch at the start of a group ends the
// pass.
func (c *Cluster) updateBlocks(ctx context.Context) error {
	groupNumber, blockNumber := uint32(0), uint32(0)

	for {
		pubkeys := make([]types.Pubkey, blocksAtOnce)
		for i := range pubkeys {
			pubkeys[i] = types.BlockAddress(groupNumber, blockNumber+uint32(i))
		}

		var results []*rpcclient.Account
		err := c.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
			var err error
			results, err = conn.GetMultipleAccounts(ctx, pubkeys)
			return err
		})
		if err != nil {
			return err
		}

		idx := 0
		for ; idx < len(results); idx++ {
			if results[idx] == nil {
				break
			}

			c.mu.RLock()
			block := c.blocks[pubkeys[idx]]
			c.mu.RUnlock()

			blockChanged := false
			if block == nil {
				block, err = decodeBlock(pubkeys[idx], results[idx].Data)
				if err != nil {
					return err
				}
				// Incomplete blocks do not exist yet.
				if !block.Complete() {
					continue
				}
				c.mu.Lock()
				c.blocks[pubkeys[idx]] = block
				c.mu.Unlock()
				c.log.Debug("admitted block",
					zap.Stringer("block", block.Pubkey),
					zap.Uint32("group", block.GroupNumber),
					zap.Uint32("number", block.BlockNumber))
			} else {
				blockChanged, err = block.Update(results[idx].Data)
				if err != nil {
					return err
				}
			}

			if err := c.updateEntries(ctx, block, blockChanged); err != nil {
				return err
			}
		}

		switch {
		case idx == blocksAtOnce:
			// Full batch: keep draining this group.
			blockNumber += blocksAtOnce
		case blockNumber == 0 && idx == 0:
			// Empty group: the crawl is complete.
			if c.callbacks.OnEntriesUpdateComplete != nil {
				c.notify(c.callbacks.OnEntriesUpdateComplete)
			}
			return nil
		default:
			groupNumber++
			blockNumber = 0
		}
	}
}

// updateEntries crawls one block's entry derivation space in batches,
// stopping at the first batch with a missing account.
func (c *Cluster) updateEntries(ctx context.Context, block *Block, blockChanged bool) error {
	for entryIndex := uint32(0); ; entryIndex += entriesAtOnce {
		pubkeys := make([]types.Pubkey, entriesAtOnce)
		for i := range pubkeys {
			mint := types.EntryMintAddress(block.Pubkey, uint16(entryIndex+uint32(i)))
			pubkeys[i] = types.EntryAddress(mint)
		}

		var results []*rpcclient.Account
		err := c.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
			var err error
			results, err = conn.GetMultipleAccounts(ctx, pubkeys)
			return err
		})
		if err != nil {
			return err
		}

		idx := 0
		for ; idx < len(results); idx++ {
			if results[idx] == nil {
				break
			}

			c.mu.RLock()
			entry := c.entries[pubkeys[idx]]
			c.mu.RUnlock()

			if entry == nil {
				entry, err = decodeEntry(block, pubkeys[idx], results[idx].Data)
				if err != nil {
					return err
				}
				c.mu.Lock()
				c.entries[pubkeys[idx]] = entry
				c.entryPubkeys = append(c.entryPubkeys, pubkeys[idx])
				c.mu.Unlock()
				if c.callbacks.OnNewEntry != nil {
					e := entry
					c.notify(func() { c.callbacks.OnNewEntry(e) })
				}
				continue
			}

			entryChanged, err := entry.Update(results[idx].Data)
			if err != nil {
				return err
			}
			if entryChanged || blockChanged {
				c.notifyEntryChanged(entry)
			}
		}

		if idx < entriesAtOnce {
			return nil
		}
	}
}

func (c *Cluster) notifyEntryChanged(entry *Entry) {
	if c.callbacks.OnEntryChanged != nil {
		c.notify(func() { c.callbacks.OnEntryChanged(entry) })
	}
}

// notify queues fn for the notifier goroutine. Queued notifications are
// dropped at shutdown.
func (c *Cluster) notify(fn func()) {
	c.notifyMu.Lock()
	c.notifyQueue = append(c.notifyQueue, fn)
	c.notifyMu.Unlock()
	c.notifyCond.Signal()
}

func (c *Cluster) runNotifier() {
	defer c.wg.Done()
	for {
		c.notifyMu.Lock()
		for len(c.notifyQueue) == 0 {
			if c.isShutdown() {
				c.notifyMu.Unlock()
				return
			}
			c.notifyCond.Wait()
		}
		fn := c.notifyQueue[0]
		c.notifyQueue = c.notifyQueue[1:]
		c.notifyMu.Unlock()

		if c.isShutdown() {
			return
		}
		fn()
	}
}

func (c *Cluster) isShutdown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
