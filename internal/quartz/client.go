package quartz

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pyra-labs/protocol-api-sub000/internal/chain"
	"github.com/pyra-labs/protocol-api-sub000/internal/market"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInvalidParams = errors.New("invalid instruction parameters")
)

// Chain is the subset of the chain client the adapter reads through.
type Chain interface {
	Account(ctx context.Context, address solana.PublicKey) (*rpc.Account, error)
	Accounts(ctx context.Context, addresses []solana.PublicKey) ([]*rpc.Account, error)
	ProgramAccounts(ctx context.Context, program solana.PublicKey, filters []rpc.RPCFilter) (rpc.GetProgramAccountsResult, error)
	SignaturesForAddress(ctx context.Context, address solana.PublicKey, limit int) ([]*rpc.TransactionSignature, error)
}

type VaultStatus string

const (
	VaultNotInitialized  VaultStatus = "NOT_INITIALIZED"
	VaultClosed          VaultStatus = "CLOSED"
	VaultUpgradeRequired VaultStatus = "UPGRADE_REQUIRED"
	VaultInitialized     VaultStatus = "INITIALIZED"
)

type Client struct {
	chain        Chain
	programID    solana.PublicKey
	lookupTables []solana.PublicKey
}

func NewClient(chain Chain, programID solana.PublicKey, lookupTables []solana.PublicKey) *Client {
	return &Client{
		chain:        chain,
		programID:    programID,
		lookupTables: append([]solana.PublicKey(nil), lookupTables...),
	}
}

func (c *Client) ProgramID() solana.PublicKey { return c.programID }

func (c *Client) VaultAddress(owner solana.PublicKey) solana.PublicKey { return c.vaultPDA(owner) }

// LoadUser reads the vault of owner with every position and market it can
// hold. Markets without an on-chain account are left out.
func (c *Client) LoadUser(ctx context.Context, owner solana.PublicKey) (*User, error) {
	vaultAddress := c.vaultPDA(owner)
	account, err := c.chain.Account(ctx, vaultAddress)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, owner)
		}
		return nil, fmt.Errorf("load vault: %w", err)
	}
	vault, legacy, err := DecodeVault(account.Data.GetBinary())
	if err != nil {
		return nil, err
	}

	indices := market.Indices()
	addresses := make([]solana.PublicKey, 0, 2*len(indices))
	for _, index := range indices {
		addresses = append(addresses, c.positionPDA(vaultAddress, index))
	}
	for _, index := range indices {
		addresses = append(addresses, c.marketPDA(index))
	}
	accounts, err := c.chain.Accounts(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if len(accounts) != len(addresses) {
		return nil, fmt.Errorf("load positions: expected %d accounts, got %d", len(addresses), len(accounts))
	}

	user := &User{
		Owner:     owner,
		Address:   vaultAddress,
		Vault:     vault,
		Legacy:    legacy,
		positions: make(map[uint16]Position),
		markets:   make(map[uint16]Market),
	}
	for i, index := range indices {
		marketAccount := accounts[len(indices)+i]
		if marketAccount == nil {
			continue
		}
		decoded, err := DecodeMarket(marketAccount.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("market %d: %w", index, err)
		}
		user.markets[index] = decoded

		if accounts[i] == nil {
			continue
		}
		position, err := DecodePosition(accounts[i].Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", index, err)
		}
		user.positions[index] = position
	}
	return user, nil
}

// ListUsers returns the owner of every vault, legacy layouts included.
func (c *Client) ListUsers(ctx context.Context) ([]solana.PublicKey, error) {
	accounts, err := c.chain.ProgramAccounts(ctx, c.programID, []rpc.RPCFilter{discriminatorFilter(vaultDiscriminator)})
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	owners := make([]solana.PublicKey, 0, len(accounts))
	for _, keyed := range accounts {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		vault, _, err := DecodeVault(keyed.Account.Data.GetBinary())
		if err != nil {
			continue
		}
		owners = append(owners, vault.Owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	return owners, nil
}

// Markets reads the market accounts of indices. Indices without an account
// are absent from the result.
func (c *Client) Markets(ctx context.Context, indices []uint16) (map[uint16]Market, error) {
	addresses := make([]solana.PublicKey, len(indices))
	for i, index := range indices {
		addresses[i] = c.marketPDA(index)
	}
	accounts, err := c.chain.Accounts(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	out := make(map[uint16]Market, len(indices))
	for i, account := range accounts {
		if i >= len(indices) || account == nil {
			continue
		}
		decoded, err := DecodeMarket(account.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("market %d: %w", indices[i], err)
		}
		out[indices[i]] = decoded
	}
	return out, nil
}

// Rates serves market.RateService; annual rates are fractions (0.05 = 5%).
func (c *Client) Rates(ctx context.Context, indices []uint16) (map[uint16]market.Rate, error) {
	markets, err := c.Markets(ctx, indices)
	if err != nil {
		return nil, err
	}
	out := make(map[uint16]market.Rate, len(markets))
	for index, m := range markets {
		out[index] = market.Rate{
			DepositRate: float64(m.DepositRate) / RateScale,
			BorrowRate:  float64(m.BorrowRate) / RateScale,
		}
	}
	return out, nil
}

// VaultStatus distinguishes a vault that never existed from one that was
// closed by looking for transaction history on the vault address.
func (c *Client) VaultStatus(ctx context.Context, owner solana.PublicKey) (VaultStatus, error) {
	vaultAddress := c.vaultPDA(owner)
	account, err := c.chain.Account(ctx, vaultAddress)
	if err != nil {
		if !errors.Is(err, chain.ErrAccountNotFound) {
			return "", fmt.Errorf("load vault: %w", err)
		}
		signatures, err := c.chain.SignaturesForAddress(ctx, vaultAddress, 1)
		if err != nil {
			return "", fmt.Errorf("vault history: %w", err)
		}
		if len(signatures) > 0 {
			return VaultClosed, nil
		}
		return VaultNotInitialized, nil
	}
	if len(account.Data.GetBinary()) == LegacyVaultSize {
		return VaultUpgradeRequired, nil
	}
	return VaultInitialized, nil
}

type KeyedWithdrawOrder struct {
	Address solana.PublicKey
	Order   WithdrawOrder
}

// WithdrawOrders lists every open time-lock withdraw order, oldest release
// slot first.
func (c *Client) WithdrawOrders(ctx context.Context) ([]KeyedWithdrawOrder, error) {
	accounts, err := c.chain.ProgramAccounts(ctx, c.programID, []rpc.RPCFilter{discriminatorFilter(withdrawOrderDiscriminator)})
	if err != nil {
		return nil, fmt.Errorf("list withdraw orders: %w", err)
	}
	out := make([]KeyedWithdrawOrder, 0, len(accounts))
	for _, keyed := range accounts {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		order, err := DecodeWithdrawOrder(keyed.Account.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("withdraw order %s: %w", keyed.Pubkey, err)
		}
		out = append(out, KeyedWithdrawOrder{Address: keyed.Pubkey, Order: order})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order.ReleaseSlot < out[j].Order.ReleaseSlot })
	return out, nil
}

func discriminatorFilter(discriminator [8]byte) rpc.RPCFilter {
	return rpc.RPCFilter{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}}
}
