// Package txbuild compiles instruction sets into transactions.
package txbuild

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pyra-labs/protocol-api-sub000/internal/chain"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
)

var ErrLookupTableNotFound = errors.New("address lookup table not found")

type Chain interface {
	LatestBlockhash(ctx context.Context) (chain.Blockhash, error)
	Accounts(ctx context.Context, addresses []solana.PublicKey) ([]*rpc.Account, error)
}

type Builder struct {
	chain            Chain
	ComputeUnitLimit uint32
	ComputeUnitPrice uint64
}

func NewBuilder(chain Chain, computeUnitLimit uint32, computeUnitPrice uint64) *Builder {
	return &Builder{chain: chain, ComputeUnitLimit: computeUnitLimit, ComputeUnitPrice: computeUnitPrice}
}

func (b *Builder) Build(ctx context.Context, set quartz.InstructionSet, feePayer solana.PublicKey) (*solana.Transaction, error) {
	return b.BuildWithBudget(ctx, set, feePayer, b.ComputeUnitLimit, b.ComputeUnitPrice)
}

// BuildWithBudget compiles set for feePayer behind a compute unit limit and
// price instruction, in that order, followed by set.Setup. Every call
// fetches a new blockhash.
// Signers of the set sign here; all other signature slots stay empty.
func (b *Builder) BuildWithBudget(ctx context.Context, set quartz.InstructionSet, feePayer solana.PublicKey, limit uint32, price uint64) (*solana.Transaction, error) {
	if len(set.Instructions) == 0 {
		return nil, errors.New("no instructions to build")
	}
	budget, err := ComputeBudgetInstructions(limit, price)
	if err != nil {
		return nil, err
	}
	instructions := make([]solana.Instruction, 0, len(budget)+len(set.Setup)+len(set.Instructions))
	instructions = append(instructions, budget...)
	instructions = append(instructions, set.Setup...)
	instructions = append(instructions, set.Instructions...)

	tables, err := b.lookupTables(ctx, set.LookupTables)
	if err != nil {
		return nil, err
	}
	blockhash, err := b.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest blockhash: %w", err)
	}

	opts := []solana.TransactionOption{solana.TransactionPayer(feePayer)}
	if len(tables) > 0 {
		opts = append(opts, solana.TransactionAddressTables(tables))
	}
	tx, err := solana.NewTransaction(instructions, blockhash.Hash, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile transaction: %w", err)
	}
	if err := Sign(tx, set.Signers...); err != nil {
		return nil, err
	}
	return tx, nil
}

func ComputeBudgetInstructions(limit uint32, price uint64) ([]solana.Instruction, error) {
	limitIx, err := computebudget.NewSetComputeUnitLimitInstruction(limit).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build compute unit limit: %w", err)
	}
	priceIx, err := computebudget.NewSetComputeUnitPriceInstruction(price).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build compute unit price: %w", err)
	}
	return []solana.Instruction{limitIx, priceIx}, nil
}

func (b *Builder) lookupTables(ctx context.Context, addresses []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	unique := make([]solana.PublicKey, 0, len(addresses))
	seen := make(map[solana.PublicKey]bool, len(addresses))
	for _, address := range addresses {
		if !seen[address] {
			seen[address] = true
			unique = append(unique, address)
		}
	}
	accounts, err := b.chain.Accounts(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("load lookup tables: %w", err)
	}
	out := make(map[solana.PublicKey]solana.PublicKeySlice, len(unique))
	for i, account := range accounts {
		if i >= len(unique) {
			break
		}
		if account == nil {
			return nil, fmt.Errorf("%w: %s", ErrLookupTableNotFound, unique[i])
		}
		state, err := addresslookuptable.DecodeAddressLookupTableState(account.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("decode lookup table %s: %w", unique[i], err)
		}
		out[unique[i]] = state.Addresses
	}
	return out, nil
}

// Sign fills the signature slots of keys and leaves the others zeroed so
// the wallet can add its own later.
func Sign(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) != required {
		signatures := make([]solana.Signature, required)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	if len(keys) == 0 {
		return nil
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	for _, key := range keys {
		index := -1
		for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
			if tx.Message.AccountKeys[i].Equals(key.PublicKey()) {
				index = i
				break
			}
		}
		if index < 0 {
			return fmt.Errorf("key %s is not a signer of the transaction", key.PublicKey())
		}
		signature, err := key.Sign(message)
		if err != nil {
			return fmt.Errorf("sign with %s: %w", key.PublicKey(), err)
		}
		tx.Signatures[index] = signature
	}
	return nil
}

func Serialize(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Deserialize accepts what Serialize produced and what wallets submit.
func Deserialize(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}
