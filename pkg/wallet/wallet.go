// Package wallet derives a per-wallet view of marketplace state: native
// and Ki balances, owned entries, outstanding bids, and reachable stake
// accounts. Every cached value is guarded by a generation counter bumped
// on wallet changes, so results of in-flight fetches started for a
// previous wallet are discarded instead of applied.
package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/cluster"
	"github.com/niftylabs/nifty-go/pkg/rpcclient"
	"github.com/niftylabs/nifty-go/pkg/rpcpool"
)

var (
	// ErrNoWallet is returned by operations requiring a selected wallet.
	ErrNoWallet = errors.New("wallet: no wallet selected")

	// ErrWalletChanged is returned when the wallet changed while an
	// operation was in flight; the operation's result was discarded.
	ErrWalletChanged = errors.New("wallet: wallet changed mid-operation")

	// ErrNoConfig is returned when the program config account is
	// missing.
	ErrNoConfig = errors.New("wallet: program config account not found")

	// ErrIncompleteBlock is returned when buying from a block that has
	// not finished adding entries.
	ErrIncompleteBlock = errors.New("wallet: block is not complete")
)

const (
	balanceStaleness = 5 * time.Second
	tokensStaleness  = 30 * time.Second
	stakesStaleness  = 30 * time.Second
)

// Bid is one outstanding auction bid. Lamports is the bid account balance,
// which can exceed the bid itself if lamports were added afterwards.
type Bid struct {
	EntryPubkey types.Pubkey
	Lamports    uint64
}

// StakeSource tells how a stake account became visible to the wallet.
type StakeSource int

const (
	// StakeSourceWithdrawAuthority: found by scanning for the wallet as
	// withdraw authority.
	StakeSourceWithdrawAuthority StakeSource = iota

	// StakeSourceEntry: linked from an entry the wallet owns.
	StakeSourceEntry
)

// Stake is one stake account reachable by the wallet.
type Stake struct {
	rpcclient.StakeAccount

	Source StakeSource

	// EntryPubkey is set when Source is StakeSourceEntry.
	EntryPubkey types.Pubkey
}

// Config carries wallet construction parameters.
type Config struct {
	// Cluster, when set, resolves the stake accounts linked from owned
	// entries. Without it Stakes only reports the withdraw-authority
	// scan.
	Cluster *cluster.Cluster

	Logger *zap.Logger

	// Staleness overrides; zero means the default.
	BalanceStaleness time.Duration
	TokensStaleness  time.Duration
	StakesStaleness  time.Duration
}

// Wallet is the per-wallet derived view. All methods are safe for
// concurrent use.
type Wallet struct {
	pool    *rpcpool.Pool
	cluster *cluster.Cluster
	log     *zap.Logger

	balanceWindow time.Duration
	tokensWindow  time.Duration
	stakesWindow  time.Duration

	mu         sync.Mutex
	generation uint64
	pubkey     types.Pubkey
	hasPubkey  bool

	balanceFetched time.Time
	solBalance     uint64

	tokensFetched time.Time
	kiBalance     uint64
	entryPubkeys  map[types.Pubkey]struct{}
	bidsByEntry   map[types.Pubkey]Bid
	bidsByMint    map[types.Pubkey]Bid

	stakesFetched time.Time
	stakes        map[types.Pubkey]Stake
}

// New creates a wallet view with no wallet selected.
func New(pool *rpcpool.Pool, cfg Config) *Wallet {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BalanceStaleness == 0 {
		cfg.BalanceStaleness = balanceStaleness
	}
	if cfg.TokensStaleness == 0 {
		cfg.TokensStaleness = tokensStaleness
	}
	if cfg.StakesStaleness == 0 {
		cfg.StakesStaleness = stakesStaleness
	}
	w := &Wallet{
		pool:          pool,
		cluster:       cfg.Cluster,
		log:           cfg.Logger,
		balanceWindow: cfg.BalanceStaleness,
		tokensWindow:  cfg.TokensStaleness,
		stakesWindow:  cfg.StakesStaleness,
	}
	w.resetLocked()
	return w
}

// SetPubkey selects the wallet, or deselects it when pubkey is nil. A
// no-op if the wallet is unchanged; otherwise every cached value is
// dropped and in-flight fetches for the old wallet will discard their
// results.
func (w *Wallet) SetPubkey(pubkey *types.Pubkey) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pubkey == nil {
		if !w.hasPubkey {
			return
		}
		w.hasPubkey = false
		w.pubkey = types.Pubkey{}
	} else {
		if w.hasPubkey && w.pubkey.Equals(*pubkey) {
			return
		}
		w.hasPubkey = true
		w.pubkey = *pubkey
	}

	w.generation++
	w.resetLocked()
}

func (w *Wallet) resetLocked() {
	w.balanceFetched = time.Time{}
	w.solBalance = 0
	w.tokensFetched = time.Time{}
	w.kiBalance = 0
	w.entryPubkeys = make(map[types.Pubkey]struct{})
	w.bidsByEntry = make(map[types.Pubkey]Bid)
	w.bidsByMint = make(map[types.Pubkey]Bid)
	w.stakesFetched = time.Time{}
	w.stakes = make(map[types.Pubkey]Stake)
}

// Pubkey returns the selected wallet, if any.
func (w *Wallet) Pubkey() (types.Pubkey, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pubkey, w.hasPubkey
}

// snapshot captures the wallet and generation for an in-flight operation.
func (w *Wallet) snapshot() (types.Pubkey, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasPubkey {
		return types.Pubkey{}, 0, ErrNoWallet
	}
	return w.pubkey, w.generation, nil
}

// stillCurrent reports whether generation is still the wallet's. Caller
// holds w.mu.
func (w *Wallet) stillCurrent(generation uint64) bool {
	return w.generation == generation
}

// SolBalance returns the wallet's lamport balance, refreshing it when
// staler than the balance window.
func (w *Wallet) SolBalance(ctx context.Context) (uint64, error) {
	pubkey, generation, err := w.snapshot()
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	if !w.balanceFetched.IsZero() && time.Since(w.balanceFetched) <= w.balanceWindow {
		balance := w.solBalance
		w.mu.Unlock()
		return balance, nil
	}
	w.mu.Unlock()

	var balance uint64
	err = w.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		balance, err = conn.GetBalance(ctx, pubkey)
		return err
	})
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return 0, ErrWalletChanged
	}
	w.solBalance = balance
	w.balanceFetched = time.Now()
	return balance, nil
}

// KiBalance returns the wallet's Ki token balance.
func (w *Wallet) KiBalance(ctx context.Context) (uint64, error) {
	generation, err := w.updateTokenData(ctx)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return 0, ErrWalletChanged
	}
	return w.kiBalance, nil
}

// EntryPubkeys returns the addresses of entries the wallet owns.
func (w *Wallet) EntryPubkeys(ctx context.Context) ([]types.Pubkey, error) {
	generation, err := w.updateTokenData(ctx)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return nil, ErrWalletChanged
	}
	out := make([]types.Pubkey, 0, len(w.entryPubkeys))
	for pk := range w.entryPubkeys {
		out = append(out, pk)
	}
	return out, nil
}

// OwnsEntry reports whether the wallet owns the entry.
func (w *Wallet) OwnsEntry(ctx context.Context, entryPubkey types.Pubkey) (bool, error) {
	generation, err := w.updateTokenData(ctx)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return false, ErrWalletChanged
	}
	_, ok := w.entryPubkeys[entryPubkey]
	return ok, nil
}

// Bids returns the wallet's outstanding bids.
func (w *Wallet) Bids(ctx context.Context) ([]Bid, error) {
	generation, err := w.updateTokenData(ctx)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return nil, ErrWalletChanged
	}
	out := make([]Bid, 0, len(w.bidsByEntry))
	for _, b := range w.bidsByEntry {
		out = append(out, b)
	}
	return out, nil
}

// Bid returns the wallet's bid on the entry with the given mint, if any.
func (w *Wallet) Bid(ctx context.Context, entryMint types.Pubkey) (Bid, bool, error) {
	generation, err := w.updateTokenData(ctx)
	if err != nil {
		return Bid{}, false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return Bid{}, false, ErrWalletChanged
	}
	b, ok := w.bidsByMint[entryMint]
	return b, ok, nil
}

// updateTokenData refreshes the Ki balance, owned entry set, and bid maps
// when staler than the tokens window. It returns the generation the data
// belongs to.
func (w *Wallet) updateTokenData(ctx context.Context) (uint64, error) {
	pubkey, generation, err := w.snapshot()
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	fresh := !w.tokensFetched.IsZero() && time.Since(w.tokensFetched) <= w.tokensWindow
	w.mu.Unlock()
	if fresh {
		return generation, nil
	}

	var tokenAccounts []rpcclient.TokenAccount
	err = w.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		tokenAccounts, err = conn.GetTokenAccountsByOwner(ctx, pubkey, types.TokenProgramAddr)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		resultMu     sync.Mutex
		kiBalance    uint64
		entryPubkeys = make(map[types.Pubkey]struct{})
		bidsByEntry  = make(map[types.Pubkey]Bid)
		bidsByMint   = make(map[types.Pubkey]Bid)
	)

	// Classify every token account; bid and candidate-entry follow-ups
	// run concurrently.
	g, gctx := errgroup.WithContext(ctx)
	for _, ta := range tokenAccounts {
		if ta.State != "initialized" || ta.Amount == 0 {
			continue
		}
		if !ta.Owner.Equals(pubkey) {
			continue
		}

		switch {
		case ta.Mint.Equals(types.BidMarkerMintAddr):
			markerToken := ta.Address
			g.Go(func() error {
				entryMint, lamports, err := w.resolveBid(gctx, markerToken)
				if err != nil {
					return err
				}
				bid := Bid{EntryPubkey: types.EntryAddress(entryMint), Lamports: lamports}
				resultMu.Lock()
				bidsByEntry[bid.EntryPubkey] = bid
				bidsByMint[entryMint] = bid
				resultMu.Unlock()
				return nil
			})

		case ta.Mint.Equals(types.KiMintAddr):
			resultMu.Lock()
			kiBalance += ta.Amount
			resultMu.Unlock()

		default:
			mint := ta.Mint
			g.Go(func() error {
				owned, err := w.isProgramEntry(gctx, mint)
				if err != nil {
					return err
				}
				if owned {
					resultMu.Lock()
					entryPubkeys[types.EntryAddress(mint)] = struct{}{}
					resultMu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return 0, ErrWalletChanged
	}
	w.kiBalance = kiBalance
	w.entryPubkeys = entryPubkeys
	w.bidsByEntry = bidsByEntry
	w.bidsByMint = bidsByMint
	w.tokensFetched = time.Now()
	return generation, nil
}

// resolveBid reads the entry mint out of a bid account, identified from
// its bid marker token account. A 32-byte slice at offset 4 holds the
// mint.
func (w *Wallet) resolveBid(ctx context.Context, bidMarkerToken types.Pubkey) (types.Pubkey, uint64, error) {
	bidPubkey := types.BidAddress(bidMarkerToken)

	var acct *rpcclient.Account
	err := w.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		acct, err = conn.GetAccountInfo(ctx, bidPubkey, &rpcclient.AccountOpts{
			DataSlice: &rpcclient.DataSlice{Offset: 4, Length: 32},
		})
		return err
	})
	if err != nil {
		return types.Pubkey{}, 0, err
	}
	if acct == nil || len(acct.Data) < 32 {
		return types.Pubkey{}, 0, errors.New("wallet: bid account missing or malformed")
	}

	var mint types.Pubkey
	copy(mint[:], acct.Data[:32])
	return mint, acct.Lamports, nil
}

// isProgramEntry reports whether the mint's Metaplex metadata names the
// marketplace program authority as update authority, which marks the
// token as a marketplace entry.
func (w *Wallet) isProgramEntry(ctx context.Context, mint types.Pubkey) (bool, error) {
	metadataPubkey := types.MetaplexMetadataAddress(mint)

	var acct *rpcclient.Account
	err := w.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		acct, err = conn.GetAccountInfo(ctx, metadataPubkey, nil)
		return err
	})
	if err != nil {
		return false, err
	}
	if acct == nil || len(acct.Data) < 33 {
		return false, nil
	}

	var updateAuthority types.Pubkey
	copy(updateAuthority[:], acct.Data[1:33])
	return updateAuthority.Equals(types.AuthorityAddr), nil
}

// Stakes returns the stake accounts reachable by the wallet: those whose
// withdraw authority is the wallet, plus those linked from owned entries.
// Locked stakes (nonzero lockup epoch or timestamp) are excluded.
func (w *Wallet) Stakes(ctx context.Context) ([]Stake, error) {
	pubkey, generation, err := w.snapshot()
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if !w.stakesFetched.IsZero() && time.Since(w.stakesFetched) <= w.stakesWindow {
		out := stakesList(w.stakes)
		w.mu.Unlock()
		return out, nil
	}
	w.mu.Unlock()

	// Owned entries must be known to resolve their linked stakes.
	if _, err := w.updateTokenData(ctx); err != nil {
		return nil, err
	}

	var scanned []rpcclient.StakeAccount
	err = w.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		scanned, err = conn.GetStakeAccountsByWithdrawAuthority(ctx, pubkey)
		return err
	})
	if err != nil {
		return nil, err
	}

	stakes := make(map[types.Pubkey]Stake)
	for _, sa := range scanned {
		if !usableStake(sa) {
			continue
		}
		stakes[sa.Address] = Stake{StakeAccount: sa, Source: StakeSourceWithdrawAuthority}
	}

	// Resolve the stake linked from each owned entry concurrently.
	w.mu.Lock()
	entries := make([]types.Pubkey, 0, len(w.entryPubkeys))
	for pk := range w.entryPubkeys {
		entries = append(entries, pk)
	}
	w.mu.Unlock()

	var resultMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, entryPubkey := range entries {
		if w.cluster == nil {
			break
		}
		entry := w.cluster.Entry(entryPubkey)
		if entry == nil {
			continue
		}
		stakePubkey, ok := entry.StakePubkey()
		if !ok {
			continue
		}
		ep := entryPubkey
		g.Go(func() error {
			var sa *rpcclient.StakeAccount
			err := w.pool.Dispatch(gctx, func(ctx context.Context, conn *rpcpool.Conn) error {
				var err error
				sa, err = conn.GetParsedStakeAccount(ctx, stakePubkey)
				return err
			})
			if err != nil {
				return err
			}
			if sa == nil || !usableStake(*sa) {
				return nil
			}
			resultMu.Lock()
			stakes[sa.Address] = Stake{StakeAccount: *sa, Source: StakeSourceEntry, EntryPubkey: ep}
			resultMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stillCurrent(generation) {
		return nil, ErrWalletChanged
	}
	w.stakes = stakes
	w.stakesFetched = time.Now()
	return stakesList(stakes), nil
}

func usableStake(sa rpcclient.StakeAccount) bool {
	if sa.Type != "initialized" && sa.Type != "delegated" {
		return false
	}
	if sa.LockupEpoch != 0 || sa.LockupTimestamp != 0 {
		return false
	}
	return true
}

func stakesList(stakes map[types.Pubkey]Stake) []Stake {
	out := make([]Stake, 0, len(stakes))
	for _, s := range stakes {
		out = append(out, s)
	}
	return out
}

// FetchAdminAddress reads the admin address from the program config
// account. A 32-byte slice at offset 4 holds it.
func (w *Wallet) FetchAdminAddress(ctx context.Context) (types.Pubkey, error) {
	var acct *rpcclient.Account
	err := w.pool.Dispatch(ctx, func(ctx context.Context, conn *rpcpool.Conn) error {
		var err error
		acct, err = conn.GetAccountInfo(ctx, types.ConfigAddr, &rpcclient.AccountOpts{
			DataSlice: &rpcclient.DataSlice{Offset: 4, Length: 32},
		})
		return err
	})
	if err != nil {
		return types.Pubkey{}, err
	}
	if acct == nil || len(acct.Data) < 32 {
		return types.Pubkey{}, ErrNoConfig
	}
	var admin types.Pubkey
	copy(admin[:], acct.Data[:32])
	return admin, nil
}
