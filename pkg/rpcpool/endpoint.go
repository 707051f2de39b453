package rpcpool

import (
	"context"
	"sync"
	"time"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/rpcclient"
)

// Budget caps usage of a single endpoint: at most Limit units (requests or
// bytes) may be active per sliding Window.
type Budget struct {
	Limit  int64
	Window time.Duration
}

// SizeEstimates holds the conservative response-size upper bounds charged
// against an endpoint's data budget, one per operation kind. They are
// admission-control guesses, not measured sizes.
type SizeEstimates struct {
	Small         int64 // genesis hash, epoch info, block time, balance, blockhash
	Account       int64 // one account fetch
	TokenAccounts int64 // token account list for one owner
	StakeAccounts int64 // filtered stake account scan
	Send          int64 // transaction submission
}

// DefaultSizeEstimates returns the standard estimates.
func DefaultSizeEstimates() SizeEstimates {
	return SizeEstimates{
		Small:         1024,
		Account:       10 * 1024,
		TokenAccounts: 20 * 1024,
		StakeAccounts: 100 * 1024,
		Send:          5 * 1024,
	}
}

// windowEntry is one charge in a sliding window. Provisional entries carry
// a far-future expiry until their operation completes.
type windowEntry struct {
	id    uint64
	until time.Time
	size  int64
}

// farFuture is the expiry assigned to provisional window entries.
var farFuture = time.Now().Add(10 * 365 * 24 * time.Hour)

// Conn is a single possibly rate-limited RPC endpoint. If a budget is set,
// Conn observes it and fails with ErrOverloaded any request that would
// exceed it rather than queueing.
type Conn struct {
	client *rpcclient.Client
	sizes  SizeEstimates

	mu          sync.Mutex
	maxRequests *Budget
	maxData     *Budget
	requests    []windowEntry
	data        []windowEntry
	dataSum     int64
	nextID      uint64
}

// newConn creates a rate-limited wrapper around one endpoint client.
func newConn(client *rpcclient.Client, maxRequests, maxData *Budget, sizes SizeEstimates) *Conn {
	c := &Conn{client: client, sizes: sizes}
	c.setBudgets(maxRequests, maxData)
	return c
}

// URL returns the endpoint URL.
func (c *Conn) URL() string {
	return c.client.URL()
}

// setBudgets replaces the endpoint's budgets in place, preserving the
// in-flight accounting windows.
func (c *Conn) setBudgets(maxRequests, maxData *Budget) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxRequests != nil && (maxRequests.Limit <= 0 || maxRequests.Window <= 0) {
		maxRequests = nil
	}
	if maxData != nil && (maxData.Limit <= 0 || maxData.Window <= 0) {
		maxData = nil
	}
	c.maxRequests = maxRequests
	c.maxData = maxData
}

// admit checks the budgets and records provisional charges. It returns the
// charge id used to settle the charges on completion, or ErrOverloaded.
func (c *Conn) admit(size int64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Purge expired request charges.
	for len(c.requests) > 0 && !c.requests[0].until.After(now) {
		c.requests = c.requests[1:]
	}

	// Purge expired data charges.
	for len(c.data) > 0 && !c.data[0].until.After(now) {
		c.dataSum -= c.data[0].size
		c.data = c.data[1:]
	}

	if c.maxRequests != nil && int64(len(c.requests)) >= c.maxRequests.Limit {
		return 0, ErrOverloaded
	}
	if c.maxData != nil && c.dataSum+size > c.maxData.Limit {
		return 0, ErrOverloaded
	}

	c.nextID++
	id := c.nextID

	// Provisional charges expire "never"; they are replaced on settle.
	c.requests = append(c.requests, windowEntry{id: id, until: farFuture})
	c.data = append(c.data, windowEntry{id: id, until: farFuture, size: size})
	c.dataSum += size

	return id, nil
}

// settle replaces the provisional charges for id with real ones expiring a
// window from now, or drops them if the corresponding budget is not
// configured.
func (c *Conn) settle(id uint64, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	c.requests = removeEntry(c.requests, id)
	if c.maxRequests != nil {
		c.requests = insertSorted(c.requests, windowEntry{until: now.Add(c.maxRequests.Window)})
	}

	c.data = removeEntry(c.data, id)
	if c.maxData != nil {
		c.data = insertSorted(c.data, windowEntry{until: now.Add(c.maxData.Window), size: size})
	} else {
		// No data budget: the provisional charge was never real.
		c.dataSum -= size
	}
}

// execute runs fn under admission control, charging size bytes against the
// data budget for one window after completion.
func (c *Conn) execute(ctx context.Context, size int64, fn func(context.Context) error) error {
	id, err := c.admit(size)
	if err != nil {
		return err
	}
	defer c.settle(id, size)
	return fn(ctx)
}

func removeEntry(entries []windowEntry, id uint64) []windowEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

func insertSorted(entries []windowEntry, e windowEntry) []windowEntry {
	for i := range entries {
		if entries[i].until.After(e.until) {
			entries = append(entries, windowEntry{})
			copy(entries[i+1:], entries[i:])
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

// GetGenesisHash fetches the cluster genesis hash through the budget gate.
func (c *Conn) GetGenesisHash(ctx context.Context) (types.Hash, error) {
	var hash types.Hash
	err := c.execute(ctx, c.sizes.Small, func(ctx context.Context) error {
		var err error
		hash, err = c.client.GetGenesisHash(ctx)
		return err
	})
	return hash, err
}

// GetEpochInfo fetches the current epoch and slot.
func (c *Conn) GetEpochInfo(ctx context.Context) (*rpcclient.EpochInfo, error) {
	var info *rpcclient.EpochInfo
	err := c.execute(ctx, c.sizes.Small, func(ctx context.Context) error {
		var err error
		info, err = c.client.GetEpochInfo(ctx)
		return err
	})
	return info, err
}

// GetBlockTime fetches the production time of a slot.
func (c *Conn) GetBlockTime(ctx context.Context, slot uint64) (int64, error) {
	var ts int64
	err := c.execute(ctx, c.sizes.Small, func(ctx context.Context) error {
		var err error
		ts, err = c.client.GetBlockTime(ctx, slot)
		return err
	})
	return ts, err
}

// GetBalance fetches an account's lamport balance.
func (c *Conn) GetBalance(ctx context.Context, addr types.Pubkey) (uint64, error) {
	var balance uint64
	err := c.execute(ctx, c.sizes.Small, func(ctx context.Context) error {
		var err error
		balance, err = c.client.GetBalance(ctx, addr)
		return err
	})
	return balance, err
}

// GetLatestBlockhash fetches the most recent confirmed blockhash.
func (c *Conn) GetLatestBlockhash(ctx context.Context) (*rpcclient.LatestBlockhash, error) {
	var bh *rpcclient.LatestBlockhash
	err := c.execute(ctx, c.sizes.Small, func(ctx context.Context) error {
		var err error
		bh, err = c.client.GetLatestBlockhash(ctx)
		return err
	})
	return bh, err
}

// GetAccountInfo fetches one account, nil if absent.
func (c *Conn) GetAccountInfo(ctx context.Context, addr types.Pubkey, opts *rpcclient.AccountOpts) (*rpcclient.Account, error) {
	var acct *rpcclient.Account
	err := c.execute(ctx, c.sizes.Account, func(ctx context.Context) error {
		var err error
		acct, err = c.client.GetAccountInfo(ctx, addr, opts)
		return err
	})
	return acct, err
}

// GetMultipleAccounts fetches a batch of accounts, nil entries for absent
// ones. The data charge scales with the batch size.
func (c *Conn) GetMultipleAccounts(ctx context.Context, addrs []types.Pubkey) ([]*rpcclient.Account, error) {
	var accounts []*rpcclient.Account
	err := c.execute(ctx, int64(len(addrs))*c.sizes.Account, func(ctx context.Context) error {
		var err error
		accounts, err = c.client.GetMultipleAccounts(ctx, addrs)
		return err
	})
	return accounts, err
}

// GetTokenAccountsByOwner lists a wallet's parsed token accounts.
func (c *Conn) GetTokenAccountsByOwner(ctx context.Context, owner, tokenProgram types.Pubkey) ([]rpcclient.TokenAccount, error) {
	var accounts []rpcclient.TokenAccount
	err := c.execute(ctx, c.sizes.TokenAccounts, func(ctx context.Context) error {
		var err error
		accounts, err = c.client.GetTokenAccountsByOwner(ctx, owner, tokenProgram)
		return err
	})
	return accounts, err
}

// GetStakeAccountsByWithdrawAuthority lists parsed stake accounts by
// withdraw authority.
func (c *Conn) GetStakeAccountsByWithdrawAuthority(ctx context.Context, withdrawer types.Pubkey) ([]rpcclient.StakeAccount, error) {
	var accounts []rpcclient.StakeAccount
	err := c.execute(ctx, c.sizes.StakeAccounts, func(ctx context.Context) error {
		var err error
		accounts, err = c.client.GetStakeAccountsByWithdrawAuthority(ctx, withdrawer)
		return err
	})
	return accounts, err
}

// GetParsedStakeAccount fetches one parsed stake account, nil if absent.
func (c *Conn) GetParsedStakeAccount(ctx context.Context, addr types.Pubkey) (*rpcclient.StakeAccount, error) {
	var sa *rpcclient.StakeAccount
	err := c.execute(ctx, c.sizes.Account, func(ctx context.Context) error {
		var err error
		sa, err = c.client.GetParsedStakeAccount(ctx, addr)
		return err
	})
	return sa, err
}

// SendTransaction submits a raw signed transaction.
func (c *Conn) SendTransaction(ctx context.Context, rawTx []byte) (types.Signature, error) {
	var sig types.Signature
	err := c.execute(ctx, c.sizes.Send, func(ctx context.Context) error {
		var err error
		sig, err = c.client.SendTransaction(ctx, rawTx)
		return err
	})
	return sig, err
}
