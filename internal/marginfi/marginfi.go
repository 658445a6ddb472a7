// Package marginfi resolves flash-loan accounts and banks of the Marginfi
// lending program and brackets instructions in a flash loan.
package marginfi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrAccountNotFound = errors.New("marginfi account not found")
	ErrAccountDisabled = errors.New("marginfi account is disabled")
	ErrBankNotFound    = errors.New("marginfi bank not found")
)

// Marginfi accounts are zero-copy C layouts, so fields are read at fixed
// offsets rather than borsh-decoded.
const (
	accountGroupOffset     = 8
	accountAuthorityOffset = 40
	balancesOffset         = 72
	balanceSize            = 104
	maxBalances            = 16
	accountFlagsOffset     = balancesOffset + balanceSize*maxBalances
	accountMinSize         = accountFlagsOffset + 8

	bankMintOffset     = 8
	bankDecimalsOffset = 40
	bankGroupOffset    = 41
	bankOracleOffset   = 394
	bankMinSize        = bankOracleOffset + 32

	flagDisabled uint64 = 1 << 0
)

type Chain interface {
	Accounts(ctx context.Context, addresses []solana.PublicKey) ([]*rpc.Account, error)
	ProgramAccounts(ctx context.Context, program solana.PublicKey, filters []rpc.RPCFilter) (rpc.GetProgramAccountsResult, error)
}

type Account struct {
	Address     solana.PublicKey
	Group       solana.PublicKey
	Authority   solana.PublicKey
	Flags       uint64
	ActiveBanks []solana.PublicKey
}

func (a Account) Disabled() bool { return a.Flags&flagDisabled != 0 }

type Bank struct {
	Address  solana.PublicKey
	Mint     solana.PublicKey
	Decimals uint8
	Group    solana.PublicKey
	Oracle   solana.PublicKey
}

type Client struct {
	chain     Chain
	programID solana.PublicKey
	group     solana.PublicKey
}

func NewClient(chain Chain, programID, group solana.PublicKey) *Client {
	return &Client{chain: chain, programID: programID, group: group}
}

func discriminator(prefix, name string) [8]byte {
	hash := sha256.Sum256([]byte(prefix + ":" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// FindAccount returns the first account of authority in the configured group.
func (c *Client) FindAccount(ctx context.Context, authority solana.PublicKey) (Account, error) {
	disc := discriminator("account", "MarginfiAccount")
	accounts, err := c.chain.ProgramAccounts(ctx, c.programID, []rpc.RPCFilter{
		memcmp(0, disc[:]),
		memcmp(accountGroupOffset, c.group.Bytes()),
		memcmp(accountAuthorityOffset, authority.Bytes()),
	})
	if err != nil {
		return Account{}, fmt.Errorf("list marginfi accounts: %w", err)
	}
	for _, keyed := range accounts {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		account, err := decodeAccount(keyed.Pubkey, keyed.Account.Data.GetBinary())
		if err != nil {
			continue
		}
		if account.Disabled() {
			return account, fmt.Errorf("%w: %s", ErrAccountDisabled, account.Address)
		}
		return account, nil
	}
	return Account{}, fmt.Errorf("%w: authority %s", ErrAccountNotFound, authority)
}

// FindBank returns the bank of mint in the configured group.
func (c *Client) FindBank(ctx context.Context, mint solana.PublicKey) (Bank, error) {
	disc := discriminator("account", "Bank")
	banks, err := c.chain.ProgramAccounts(ctx, c.programID, []rpc.RPCFilter{
		memcmp(0, disc[:]),
		memcmp(bankMintOffset, mint.Bytes()),
		memcmp(bankGroupOffset, c.group.Bytes()),
	})
	if err != nil {
		return Bank{}, fmt.Errorf("list marginfi banks: %w", err)
	}
	for _, keyed := range banks {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		bank, err := decodeBank(keyed.Pubkey, keyed.Account.Data.GetBinary())
		if err == nil {
			return bank, nil
		}
	}
	return Bank{}, fmt.Errorf("%w: mint %s", ErrBankNotFound, mint)
}

// WrapFlashLoan brackets inner as start, borrow, inner, repay, end.
// offset is the number of instructions that will precede the bracket in
// the final transaction; start_flashloan must point at end by index.
func (c *Client) WrapFlashLoan(ctx context.Context, account Account, bank Bank, amount uint64, inner []solana.Instruction, offset int) ([]solana.Instruction, error) {
	if amount == 0 {
		return nil, errors.New("flash loan amount must be positive")
	}
	authoritySpl, _, err := solana.FindAssociatedTokenAddress(account.Authority, bank.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive authority token account: %w", err)
	}
	liquidityVault, _, err := solana.FindProgramAddress([][]byte{[]byte("liquidity_vault"), bank.Address.Bytes()}, c.programID)
	if err != nil {
		return nil, fmt.Errorf("derive liquidity vault: %w", err)
	}
	vaultAuthority, _, err := solana.FindProgramAddress([][]byte{[]byte("liquidity_vault_auth"), bank.Address.Bytes()}, c.programID)
	if err != nil {
		return nil, fmt.Errorf("derive liquidity vault authority: %w", err)
	}
	healthAccounts, err := c.healthAccounts(ctx, account, bank)
	if err != nil {
		return nil, err
	}

	endIndex := uint64(offset + len(inner) + 3)
	start, err := c.instruction("lending_account_start_flashloan", struct{ EndIndex uint64 }{endIndex},
		solana.Meta(account.Address).WRITE(),
		solana.Meta(account.Authority).SIGNER(),
		solana.Meta(solana.SysVarInstructionsPubkey),
	)
	if err != nil {
		return nil, err
	}
	borrow, err := c.instruction("lending_account_borrow", struct{ Amount uint64 }{amount},
		append([]*solana.AccountMeta{
			solana.Meta(c.group),
			solana.Meta(account.Address).WRITE(),
			solana.Meta(account.Authority).SIGNER(),
			solana.Meta(bank.Address).WRITE(),
			solana.Meta(authoritySpl).WRITE(),
			solana.Meta(vaultAuthority).WRITE(),
			solana.Meta(liquidityVault).WRITE(),
			solana.Meta(solana.TokenProgramID),
		}, healthAccounts...)...,
	)
	if err != nil {
		return nil, err
	}
	// repay_all is an Option<bool>; a zero tag encodes None.
	repay, err := c.instruction("lending_account_repay", struct {
		Amount      uint64
		RepayAllTag uint8
	}{Amount: amount},
		solana.Meta(c.group),
		solana.Meta(account.Address).WRITE(),
		solana.Meta(account.Authority).SIGNER(),
		solana.Meta(bank.Address).WRITE(),
		solana.Meta(authoritySpl).WRITE(),
		solana.Meta(liquidityVault).WRITE(),
		solana.Meta(solana.TokenProgramID),
	)
	if err != nil {
		return nil, err
	}
	end, err := c.instruction("lending_account_end_flashloan", nil,
		append([]*solana.AccountMeta{
			solana.Meta(account.Address).WRITE(),
			solana.Meta(account.Authority).SIGNER(),
		}, healthAccounts...)...,
	)
	if err != nil {
		return nil, err
	}

	out := make([]solana.Instruction, 0, len(inner)+4)
	out = append(out, start, borrow)
	out = append(out, inner...)
	return append(out, repay, end), nil
}

// healthAccounts lists bank and oracle of every balance the account will
// hold once the loan is taken.
func (c *Client) healthAccounts(ctx context.Context, account Account, borrowed Bank) ([]*solana.AccountMeta, error) {
	others := make([]solana.PublicKey, 0, len(account.ActiveBanks))
	for _, address := range account.ActiveBanks {
		if !address.Equals(borrowed.Address) {
			others = append(others, address)
		}
	}
	banks := []Bank{borrowed}
	if len(others) > 0 {
		accounts, err := c.chain.Accounts(ctx, others)
		if err != nil {
			return nil, fmt.Errorf("load active banks: %w", err)
		}
		for i, raw := range accounts {
			if raw == nil {
				return nil, fmt.Errorf("%w: %s", ErrBankNotFound, others[i])
			}
			bank, err := decodeBank(others[i], raw.Data.GetBinary())
			if err != nil {
				return nil, err
			}
			banks = append(banks, bank)
		}
	}
	metas := make([]*solana.AccountMeta, 0, 2*len(banks))
	for _, bank := range banks {
		metas = append(metas, solana.Meta(bank.Address), solana.Meta(bank.Oracle))
	}
	return metas, nil
}

func (c *Client) instruction(name string, args any, accounts ...*solana.AccountMeta) (solana.Instruction, error) {
	disc := discriminator("global", name)
	var buf bytes.Buffer
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
	}
	return solana.NewInstruction(c.programID, accounts, buf.Bytes()), nil
}

func decodeAccount(address solana.PublicKey, data []byte) (Account, error) {
	disc := discriminator("account", "MarginfiAccount")
	if len(data) < accountMinSize || !bytes.Equal(data[:8], disc[:]) {
		return Account{}, fmt.Errorf("%s is not a marginfi account", address)
	}
	account := Account{
		Address:   address,
		Group:     solana.PublicKeyFromBytes(data[accountGroupOffset : accountGroupOffset+32]),
		Authority: solana.PublicKeyFromBytes(data[accountAuthorityOffset : accountAuthorityOffset+32]),
		Flags:     binary.LittleEndian.Uint64(data[accountFlagsOffset:]),
	}
	for i := 0; i < maxBalances; i++ {
		balance := data[balancesOffset+i*balanceSize:]
		if balance[0] == 0 {
			continue
		}
		account.ActiveBanks = append(account.ActiveBanks, solana.PublicKeyFromBytes(balance[1:33]))
	}
	return account, nil
}

func decodeBank(address solana.PublicKey, data []byte) (Bank, error) {
	disc := discriminator("account", "Bank")
	if len(data) < bankMinSize || !bytes.Equal(data[:8], disc[:]) {
		return Bank{}, fmt.Errorf("%s is not a marginfi bank", address)
	}
	return Bank{
		Address:  address,
		Mint:     solana.PublicKeyFromBytes(data[bankMintOffset : bankMintOffset+32]),
		Decimals: data[bankDecimalsOffset],
		Group:    solana.PublicKeyFromBytes(data[bankGroupOffset : bankGroupOffset+32]),
		Oracle:   solana.PublicKeyFromBytes(data[bankOracleOffset : bankOracleOffset+32]),
	}, nil
}

func memcmp(offset uint64, value []byte) rpc.RPCFilter {
	return rpc.RPCFilter{Memcmp: &rpc.RPCFilterMemcmp{Offset: offset, Bytes: solana.Base58(value)}}
}
