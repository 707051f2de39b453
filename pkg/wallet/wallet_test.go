package wallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/niftylabs/nifty-go/internal/types"
	"github.com/niftylabs/nifty-go/pkg/rpcclient"
	"github.com/niftylabs/nifty-go/pkg/rpcpool"
)

func testPubkey(t *testing.T, tag byte) types.Pubkey {
	t.Helper()
	var b [32]byte
	b[0] = tag
	b[31] = ^tag
	pk, err := types.PubkeyFromBytes(b[:])
	if err != nil {
		t.Fatalf("PubkeyFromBytes: %v", err)
	}
	return pk
}

// tokenFixture is one token account served by the mock for
// getTokenAccountsByOwner.
type tokenFixture struct {
	address types.Pubkey
	mint    types.Pubkey
	owner   types.Pubkey
	amount  uint64
	state   string
}

// stakeFixture is one stake account served by the mock for
// getProgramAccounts.
type stakeFixture struct {
	address         types.Pubkey
	lamports        uint64
	typ             string
	withdrawer      types.Pubkey
	lockupEpoch     uint64
	lockupTimestamp int64
	voter           types.Pubkey
	delegated       uint64
}

// walletServer is a mock JSON-RPC endpoint covering the wallet's request
// surface. onRequest, when set, runs before each request is answered.
type walletServer struct {
	mu            sync.Mutex
	calls         map[string]int
	balance       uint64
	tokenAccounts []tokenFixture
	accounts      map[string][]byte
	lamports      map[string]uint64
	stakeAccounts []stakeFixture
	blockhashes   []types.Hash
	sendFailures  int
	sendSignature types.Signature

	onRequest func(method string)

	srv *httptest.Server
}

func newWalletServer() *walletServer {
	ws := &walletServer{
		calls:       make(map[string]int),
		accounts:    make(map[string][]byte),
		lamports:    make(map[string]uint64),
		blockhashes: []types.Hash{types.ComputeHash([]byte("bh-1"))},
	}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.handle))
	return ws
}

func (ws *walletServer) Close() { ws.srv.Close() }

func (ws *walletServer) callCount(method string) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.calls[method]
}

func (ws *walletServer) setAccount(pubkey types.Pubkey, lamports uint64, data []byte) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.accounts[pubkey.String()] = data
	ws.lamports[pubkey.String()] = lamports
}

func (ws *walletServer) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws.mu.Lock()
	ws.calls[req.Method]++
	hook := ws.onRequest
	ws.mu.Unlock()
	if hook != nil {
		hook(req.Method)
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": 1}
	switch req.Method {
	case "getGenesisHash":
		resp["result"] = types.ComputeHash([]byte("wallet test chain")).String()

	case "getBalance":
		ws.mu.Lock()
		resp["result"] = map[string]interface{}{"value": ws.balance}
		ws.mu.Unlock()

	case "getTokenAccountsByOwner":
		ws.mu.Lock()
		values := make([]interface{}, 0, len(ws.tokenAccounts))
		for _, ta := range ws.tokenAccounts {
			values = append(values, map[string]interface{}{
				"pubkey": ta.address.String(),
				"account": map[string]interface{}{
					"data": map[string]interface{}{
						"parsed": map[string]interface{}{
							"info": map[string]interface{}{
								"mint":        ta.mint.String(),
								"owner":       ta.owner.String(),
								"state":       ta.state,
								"tokenAmount": map[string]interface{}{"amount": formatUint(ta.amount)},
							},
						},
					},
				},
			})
		}
		ws.mu.Unlock()
		resp["result"] = map[string]interface{}{"value": values}

	case "getAccountInfo":
		var key string
		json.Unmarshal(req.Params[0], &key)
		var cfg struct {
			DataSlice *struct {
				Offset int `json:"offset"`
				Length int `json:"length"`
			} `json:"dataSlice"`
		}
		if len(req.Params) > 1 {
			json.Unmarshal(req.Params[1], &cfg)
		}

		ws.mu.Lock()
		data, ok := ws.accounts[key]
		lamports := ws.lamports[key]
		ws.mu.Unlock()
		if !ok {
			resp["result"] = map[string]interface{}{"value": nil}
			break
		}
		if cfg.DataSlice != nil {
			lo := cfg.DataSlice.Offset
			hi := lo + cfg.DataSlice.Length
			if hi > len(data) {
				hi = len(data)
			}
			data = data[lo:hi]
		}
		resp["result"] = map[string]interface{}{"value": map[string]interface{}{
			"lamports": lamports,
			"owner":    types.NiftyProgramAddr.String(),
			"data":     []interface{}{base64.StdEncoding.EncodeToString(data), "base64"},
		}}

	case "getProgramAccounts":
		ws.mu.Lock()
		values := make([]interface{}, 0, len(ws.stakeAccounts))
		for _, sa := range ws.stakeAccounts {
			info := map[string]interface{}{
				"meta": map[string]interface{}{
					"authorized": map[string]interface{}{"withdrawer": sa.withdrawer.String()},
					"lockup": map[string]interface{}{
						"epoch":         sa.lockupEpoch,
						"unixTimestamp": sa.lockupTimestamp,
					},
				},
			}
			if sa.typ == "delegated" {
				info["stake"] = map[string]interface{}{
					"delegation": map[string]interface{}{
						"voter": sa.voter.String(),
						"stake": formatUint(sa.delegated),
					},
				}
			}
			values = append(values, map[string]interface{}{
				"pubkey": sa.address.String(),
				"account": map[string]interface{}{
					"lamports": sa.lamports,
					"data": map[string]interface{}{
						"parsed": map[string]interface{}{"type": sa.typ, "info": info},
					},
				},
			})
		}
		ws.mu.Unlock()
		resp["result"] = values

	case "getLatestBlockhash":
		ws.mu.Lock()
		hash := ws.blockhashes[0]
		if len(ws.blockhashes) > 1 {
			ws.blockhashes = ws.blockhashes[1:]
		}
		ws.mu.Unlock()
		resp["result"] = map[string]interface{}{"value": map[string]interface{}{
			"blockhash":            hash.String(),
			"lastValidBlockHeight": 1000,
		}}

	case "sendTransaction":
		ws.mu.Lock()
		fail := ws.sendFailures > 0
		if fail {
			ws.sendFailures--
		}
		sig := ws.sendSignature
		ws.mu.Unlock()
		if fail {
			resp["error"] = map[string]interface{}{"code": -32005, "message": "node is behind"}
		} else {
			resp["result"] = sig.String()
		}

	default:
		resp["error"] = map[string]interface{}{"code": -32601, "message": "Method not found"}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// newTestWallet builds a wallet over the mock server with pubkey selected.
func newTestWallet(t *testing.T, ws *walletServer, pubkey types.Pubkey) *Wallet {
	t.Helper()

	pool := rpcpool.NewPool()
	pool.SetRetryBackoff(time.Millisecond)
	if err := pool.Configure(context.Background(), []rpcpool.Target{{URL: ws.srv.URL}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(pool.Shutdown)

	w := New(pool, Config{})
	w.SetPubkey(&pubkey)
	return w
}

func TestSolBalanceCaching(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()
	ws.balance = 5_000_000_000

	w := newTestWallet(t, ws, testPubkey(t, 1))

	got, err := w.SolBalance(context.Background())
	if err != nil {
		t.Fatalf("SolBalance: %v", err)
	}
	if got != 5_000_000_000 {
		t.Errorf("balance = %d", got)
	}

	// A second read within the staleness window serves from cache.
	if _, err := w.SolBalance(context.Background()); err != nil {
		t.Fatalf("cached SolBalance: %v", err)
	}
	if n := ws.callCount("getBalance"); n != 1 {
		t.Errorf("getBalance called %d times, want 1", n)
	}

	// Selecting a different wallet drops the cache.
	other := testPubkey(t, 2)
	w.SetPubkey(&other)
	if _, err := w.SolBalance(context.Background()); err != nil {
		t.Fatalf("SolBalance after change: %v", err)
	}
	if n := ws.callCount("getBalance"); n != 2 {
		t.Errorf("getBalance called %d times after wallet change, want 2", n)
	}
}

func TestNoWalletSelected(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	w := newTestWallet(t, ws, testPubkey(t, 1))
	w.SetPubkey(nil)

	if _, err := w.SolBalance(context.Background()); !errors.Is(err, ErrNoWallet) {
		t.Errorf("SolBalance error = %v, want ErrNoWallet", err)
	}
	if _, err := w.KiBalance(context.Background()); !errors.Is(err, ErrNoWallet) {
		t.Errorf("KiBalance error = %v, want ErrNoWallet", err)
	}
	if _, err := w.Stakes(context.Background()); !errors.Is(err, ErrNoWallet) {
		t.Errorf("Stakes error = %v, want ErrNoWallet", err)
	}
}

func TestSetPubkeySameWalletKeepsCache(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()
	ws.balance = 100

	pk := testPubkey(t, 1)
	w := newTestWallet(t, ws, pk)

	if _, err := w.SolBalance(context.Background()); err != nil {
		t.Fatalf("SolBalance: %v", err)
	}
	w.SetPubkey(&pk)
	if _, err := w.SolBalance(context.Background()); err != nil {
		t.Fatalf("SolBalance: %v", err)
	}
	if n := ws.callCount("getBalance"); n != 1 {
		t.Errorf("getBalance called %d times, want 1", n)
	}
}

func TestTokenClassification(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	wallet := testPubkey(t, 1)
	stranger := testPubkey(t, 2)
	markerToken := testPubkey(t, 3)
	bidEntryMint := testPubkey(t, 4)
	ownedMint := testPubkey(t, 5)
	foreignMint := testPubkey(t, 6)
	orphanMint := testPubkey(t, 7)

	ws.tokenAccounts = []tokenFixture{
		// Two Ki accounts sum into the balance.
		{address: testPubkey(t, 10), mint: types.KiMintAddr, owner: wallet, amount: 250, state: "initialized"},
		{address: testPubkey(t, 11), mint: types.KiMintAddr, owner: wallet, amount: 50, state: "initialized"},
		// Skipped: frozen, empty, and not actually owned.
		{address: testPubkey(t, 12), mint: types.KiMintAddr, owner: wallet, amount: 1000, state: "frozen"},
		{address: testPubkey(t, 13), mint: ownedMint, owner: wallet, amount: 0, state: "initialized"},
		{address: testPubkey(t, 14), mint: types.KiMintAddr, owner: stranger, amount: 400, state: "initialized"},
		// A bid marker resolves through its bid account.
		{address: markerToken, mint: types.BidMarkerMintAddr, owner: wallet, amount: 1, state: "initialized"},
		// A marketplace entry, a foreign NFT, and a mint with no metadata.
		{address: testPubkey(t, 15), mint: ownedMint, owner: wallet, amount: 1, state: "initialized"},
		{address: testPubkey(t, 16), mint: foreignMint, owner: wallet, amount: 1, state: "initialized"},
		{address: testPubkey(t, 17), mint: orphanMint, owner: wallet, amount: 1, state: "initialized"},
	}

	// Bid account: the entry mint sits at offset 4.
	bidData := make([]byte, 36)
	copy(bidData[4:], bidEntryMint[:])
	ws.setAccount(types.BidAddress(markerToken), 777, bidData)

	// Metaplex metadata: update authority at bytes 1..33.
	ownedMeta := make([]byte, 64)
	copy(ownedMeta[1:33], types.AuthorityAddr[:])
	ws.setAccount(types.MetaplexMetadataAddress(ownedMint), 1, ownedMeta)
	foreignMeta := make([]byte, 64)
	copy(foreignMeta[1:33], stranger[:])
	ws.setAccount(types.MetaplexMetadataAddress(foreignMint), 1, foreignMeta)

	w := newTestWallet(t, ws, wallet)
	ctx := context.Background()

	ki, err := w.KiBalance(ctx)
	if err != nil {
		t.Fatalf("KiBalance: %v", err)
	}
	if ki != 300 {
		t.Errorf("KiBalance = %d, want 300", ki)
	}

	entries, err := w.EntryPubkeys(ctx)
	if err != nil {
		t.Fatalf("EntryPubkeys: %v", err)
	}
	if len(entries) != 1 || !entries[0].Equals(types.EntryAddress(ownedMint)) {
		t.Errorf("EntryPubkeys = %v", entries)
	}
	owns, err := w.OwnsEntry(ctx, types.EntryAddress(ownedMint))
	if err != nil || !owns {
		t.Errorf("OwnsEntry(owned) = %v, %v", owns, err)
	}
	owns, err = w.OwnsEntry(ctx, types.EntryAddress(foreignMint))
	if err != nil || owns {
		t.Errorf("OwnsEntry(foreign) = %v, %v", owns, err)
	}

	bids, err := w.Bids(ctx)
	if err != nil {
		t.Fatalf("Bids: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("%d bids, want 1", len(bids))
	}
	if !bids[0].EntryPubkey.Equals(types.EntryAddress(bidEntryMint)) || bids[0].Lamports != 777 {
		t.Errorf("bid = %+v", bids[0])
	}
	bid, ok, err := w.Bid(ctx, bidEntryMint)
	if err != nil || !ok || bid.Lamports != 777 {
		t.Errorf("Bid(mint) = %+v, %v, %v", bid, ok, err)
	}

	// One token fetch covered all of the reads above.
	if n := ws.callCount("getTokenAccountsByOwner"); n != 1 {
		t.Errorf("getTokenAccountsByOwner called %d times, want 1", n)
	}
}

func TestWalletChangedMidFetch(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()
	ws.balance = 100

	w := newTestWallet(t, ws, testPubkey(t, 1))
	other := testPubkey(t, 2)
	ws.onRequest = func(method string) {
		if method == "getBalance" {
			w.SetPubkey(&other)
		}
	}

	if _, err := w.SolBalance(context.Background()); !errors.Is(err, ErrWalletChanged) {
		t.Errorf("SolBalance error = %v, want ErrWalletChanged", err)
	}
}

func TestWalletChangedMidTokenFetch(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	w := newTestWallet(t, ws, testPubkey(t, 1))
	other := testPubkey(t, 2)
	ws.onRequest = func(method string) {
		if method == "getTokenAccountsByOwner" {
			w.SetPubkey(&other)
		}
	}

	if _, err := w.KiBalance(context.Background()); !errors.Is(err, ErrWalletChanged) {
		t.Errorf("KiBalance error = %v, want ErrWalletChanged", err)
	}
}

func TestStakesWithdrawAuthorityScan(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	wallet := testPubkey(t, 1)
	voter := testPubkey(t, 2)
	ws.stakeAccounts = []stakeFixture{
		{address: testPubkey(t, 10), lamports: 10_000_000_000, typ: "delegated",
			withdrawer: wallet, voter: voter, delegated: 9_000_000_000},
		{address: testPubkey(t, 11), lamports: 2_000_000_000, typ: "initialized", withdrawer: wallet},
		// Locked and undelegatable accounts are excluded.
		{address: testPubkey(t, 12), lamports: 3_000_000_000, typ: "delegated",
			withdrawer: wallet, voter: voter, delegated: 1, lockupEpoch: 5},
		{address: testPubkey(t, 13), lamports: 4_000_000_000, typ: "delegated",
			withdrawer: wallet, voter: voter, delegated: 1, lockupTimestamp: 1_900_000_000},
		{address: testPubkey(t, 14), lamports: 5_000_000_000, typ: "uninitialized", withdrawer: wallet},
	}

	w := newTestWallet(t, ws, wallet)
	stakes, err := w.Stakes(context.Background())
	if err != nil {
		t.Fatalf("Stakes: %v", err)
	}
	if len(stakes) != 2 {
		t.Fatalf("%d stakes, want 2", len(stakes))
	}
	for _, s := range stakes {
		if s.Source != StakeSourceWithdrawAuthority {
			t.Errorf("stake %s source = %d", s.Address, s.Source)
		}
		if !s.WithdrawAuthority.Equals(wallet) {
			t.Errorf("stake %s withdrawer = %s", s.Address, s.WithdrawAuthority)
		}
	}

	// A second read within the staleness window serves from cache.
	if _, err := w.Stakes(context.Background()); err != nil {
		t.Fatalf("cached Stakes: %v", err)
	}
	if n := ws.callCount("getProgramAccounts"); n != 1 {
		t.Errorf("getProgramAccounts called %d times, want 1", n)
	}
}

func TestUsableStake(t *testing.T) {
	tests := []struct {
		name  string
		stake stakeFixture
		want  bool
	}{
		{"delegated", stakeFixture{typ: "delegated"}, true},
		{"initialized", stakeFixture{typ: "initialized"}, true},
		{"uninitialized", stakeFixture{typ: "uninitialized"}, false},
		{"rewards pool", stakeFixture{typ: "rewardsPool"}, false},
		{"epoch locked", stakeFixture{typ: "delegated", lockupEpoch: 3}, false},
		{"time locked", stakeFixture{typ: "initialized", lockupTimestamp: 1}, false},
	}
	for _, tt := range tests {
		sa := rpcStake(tt.stake)
		if got := usableStake(sa); got != tt.want {
			t.Errorf("%s: usableStake = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func rpcStake(f stakeFixture) rpcclient.StakeAccount {
	return rpcclient.StakeAccount{
		Address:           f.address,
		Lamports:          f.lamports,
		Type:              f.typ,
		WithdrawAuthority: f.withdrawer,
		LockupEpoch:       f.lockupEpoch,
		LockupTimestamp:   f.lockupTimestamp,
		VoteAccount:       f.voter,
		DelegatedStake:    f.delegated,
	}
}

func TestFetchAdminAddress(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	admin := testPubkey(t, 9)
	configData := make([]byte, 36)
	copy(configData[4:], admin[:])
	ws.setAccount(types.ConfigAddr, 1, configData)

	w := newTestWallet(t, ws, testPubkey(t, 1))
	got, err := w.FetchAdminAddress(context.Background())
	if err != nil {
		t.Fatalf("FetchAdminAddress: %v", err)
	}
	if !got.Equals(admin) {
		t.Errorf("admin = %s, want %s", got, admin)
	}
}

func TestFetchAdminAddressNoConfig(t *testing.T) {
	ws := newWalletServer()
	defer ws.Close()

	w := newTestWallet(t, ws, testPubkey(t, 1))
	if _, err := w.FetchAdminAddress(context.Background()); !errors.Is(err, ErrNoConfig) {
		t.Errorf("FetchAdminAddress error = %v, want ErrNoConfig", err)
	}
}
