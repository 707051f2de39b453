package rpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/niftylabs/nifty-go/internal/types"
)

// Account is the decoded form of an account fetched over RPC.
type Account struct {
	Lamports uint64
	Owner    types.Pubkey
	Data     []byte
}

// DataSlice limits an account fetch to a byte range of the account data.
type DataSlice struct {
	Offset int
	Length int
}

// AccountOpts configures GetAccountInfo.
type AccountOpts struct {
	// DataSlice, if non-nil, restricts the returned data to a byte range.
	DataSlice *DataSlice
}

// rawAccount is the wire form of an account in RPC responses.
type rawAccount struct {
	Lamports uint64        `json:"lamports"`
	Owner    string        `json:"owner"`
	Data     []interface{} `json:"data"`
}

func (ra *rawAccount) decode() (*Account, error) {
	acct := &Account{Lamports: ra.Lamports}

	if ra.Owner != "" {
		owner, err := types.PubkeyFromBase58(ra.Owner)
		if err != nil {
			return nil, fmt.Errorf("parse owner: %w", err)
		}
		acct.Owner = owner
	}

	// Data is [base64_data, "base64"].
	if len(ra.Data) > 0 {
		s, ok := ra.Data[0].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected account data type %T", ra.Data[0])
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode account data: %w", err)
		}
		acct.Data = data
	}

	return acct, nil
}

// GetAccountInfo fetches one account. Returns nil (no error) if the account
// does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, addr types.Pubkey, opts *AccountOpts) (*Account, error) {
	cfg := map[string]interface{}{
		"commitment": "confirmed",
		"encoding":   "base64",
	}
	if opts != nil && opts.DataSlice != nil {
		cfg["dataSlice"] = map[string]interface{}{
			"offset": opts.DataSlice.Offset,
			"length": opts.DataSlice.Length,
		}
	}

	var result struct {
		Value *rawAccount `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", []interface{}{addr.String(), cfg}, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	return result.Value.decode()
}

// GetMultipleAccounts fetches a batch of accounts. The returned slice has
// the same length and order as addrs, with nil entries for accounts that do
// not exist.
func (c *Client) GetMultipleAccounts(ctx context.Context, addrs []types.Pubkey) ([]*Account, error) {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.String()
	}
	params := []interface{}{
		keys,
		map[string]interface{}{
			"commitment": "confirmed",
			"encoding":   "base64",
		},
	}

	var result struct {
		Value []*rawAccount `json:"value"`
	}
	if err := c.call(ctx, "getMultipleAccounts", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]*Account, len(result.Value))
	for i, ra := range result.Value {
		if ra == nil {
			continue
		}
		acct, err := ra.decode()
		if err != nil {
			return nil, fmt.Errorf("decode account %d: %w", i, err)
		}
		accounts[i] = acct
	}
	return accounts, nil
}

// TokenAccount is a parsed SPL token account owned by a wallet.
type TokenAccount struct {
	Address types.Pubkey
	Mint    types.Pubkey
	Owner   types.Pubkey
	Amount  uint64
	State   string
}

// GetTokenAccountsByOwner lists the parsed token accounts owned by a wallet
// under the given token program.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner, tokenProgram types.Pubkey) ([]TokenAccount, error) {
	params := []interface{}{
		owner.String(),
		map[string]interface{}{"programId": tokenProgram.String()},
		map[string]interface{}{
			"commitment": "confirmed",
			"encoding":   "jsonParsed",
		},
	}

	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							Owner       string `json:"owner"`
							State       string `json:"state"`
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccount, 0, len(result.Value))
	for _, v := range result.Value {
		info := v.Account.Data.Parsed.Info

		addr, err := types.PubkeyFromBase58(v.Pubkey)
		if err != nil {
			continue
		}
		mint, err := types.PubkeyFromBase58(info.Mint)
		if err != nil {
			continue
		}
		ownerKey, err := types.PubkeyFromBase58(info.Owner)
		if err != nil {
			continue
		}

		accounts = append(accounts, TokenAccount{
			Address: addr,
			Mint:    mint,
			Owner:   ownerKey,
			Amount:  parseUint(info.TokenAmount.Amount),
			State:   info.State,
		})
	}
	return accounts, nil
}

// StakeAccount is a parsed native stake account.
type StakeAccount struct {
	Address           types.Pubkey
	Lamports          uint64
	Type              string // "initialized" or "delegated"
	WithdrawAuthority types.Pubkey
	LockupEpoch       uint64
	LockupTimestamp   int64
	// Delegation fields; zero when the account is not delegated.
	VoteAccount    types.Pubkey
	DelegatedStake uint64
}

// parsedStakeAccount is the jsonParsed wire form of a stake account.
type parsedStakeAccount struct {
	Type string `json:"type"`
	Info struct {
		Meta struct {
			Authorized struct {
				Withdrawer string `json:"withdrawer"`
			} `json:"authorized"`
			Lockup struct {
				Epoch         uint64 `json:"epoch"`
				UnixTimestamp int64  `json:"unixTimestamp"`
			} `json:"lockup"`
		} `json:"meta"`
		Stake *struct {
			Delegation struct {
				Voter string `json:"voter"`
				Stake string `json:"stake"`
			} `json:"delegation"`
		} `json:"stake"`
	} `json:"info"`
}

func (p *parsedStakeAccount) decode(addr types.Pubkey, lamports uint64) (StakeAccount, error) {
	sa := StakeAccount{
		Address:         addr,
		Lamports:        lamports,
		Type:            p.Type,
		LockupEpoch:     p.Info.Meta.Lockup.Epoch,
		LockupTimestamp: p.Info.Meta.Lockup.UnixTimestamp,
	}

	withdrawer, err := types.PubkeyFromBase58(p.Info.Meta.Authorized.Withdrawer)
	if err != nil {
		return sa, fmt.Errorf("parse withdrawer: %w", err)
	}
	sa.WithdrawAuthority = withdrawer

	if p.Info.Stake != nil {
		voter, err := types.PubkeyFromBase58(p.Info.Stake.Delegation.Voter)
		if err != nil {
			return sa, fmt.Errorf("parse voter: %w", err)
		}
		sa.VoteAccount = voter
		sa.DelegatedStake = parseUint(p.Info.Stake.Delegation.Stake)
	}

	return sa, nil
}

// Stake account layout: the withdraw authority pubkey lives at byte offset
// 44 of the meta section.
const stakeWithdrawAuthorityOffset = 44

// GetStakeAccountsByWithdrawAuthority lists parsed stake accounts whose
// withdraw authority equals the given address, via a memcmp-filtered
// program account scan.
func (c *Client) GetStakeAccountsByWithdrawAuthority(ctx context.Context, withdrawer types.Pubkey) ([]StakeAccount, error) {
	params := []interface{}{
		types.StakeProgramAddr.String(),
		map[string]interface{}{
			"commitment": "confirmed",
			"encoding":   "jsonParsed",
			"filters": []interface{}{
				map[string]interface{}{
					"memcmp": map[string]interface{}{
						"offset": stakeWithdrawAuthorityOffset,
						"bytes":  withdrawer.String(),
					},
				},
			},
		},
	}

	var result []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Lamports uint64 `json:"lamports"`
			Data     struct {
				Parsed parsedStakeAccount `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]StakeAccount, 0, len(result))
	for _, v := range result {
		addr, err := types.PubkeyFromBase58(v.Pubkey)
		if err != nil {
			continue
		}
		sa, err := v.Account.Data.Parsed.decode(addr, v.Account.Lamports)
		if err != nil {
			continue
		}
		accounts = append(accounts, sa)
	}
	return accounts, nil
}

// GetParsedStakeAccount fetches and parses a single stake account. Returns
// nil if the account does not exist or is not a stake account.
func (c *Client) GetParsedStakeAccount(ctx context.Context, addr types.Pubkey) (*StakeAccount, error) {
	params := []interface{}{
		addr.String(),
		map[string]interface{}{
			"commitment": "confirmed",
			"encoding":   "jsonParsed",
		},
	}

	var result struct {
		Value *struct {
			Lamports uint64 `json:"lamports"`
			Owner    string `json:"owner"`
			Data     struct {
				Parsed parsedStakeAccount `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil || result.Value.Owner != types.StakeProgramAddr.String() {
		return nil, nil
	}

	sa, err := result.Value.Data.Parsed.decode(addr, result.Value.Lamports)
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

// parseUint parses a decimal string to uint64, returning 0 on failure.
// Token and stake amounts arrive as strings in jsonParsed responses.
func parseUint(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
