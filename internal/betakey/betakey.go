// Package betakey checks whether a wallet holds an NFT from the beta access
// collection.
package betakey

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var MetadataProgramID = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

const (
	tokenAccountSize   = 165
	tokenAmountOffset  = 64
	metadataKeyV1      = 4
	maxMetadataStrings = 3
)

type Chain interface {
	TokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, tokenProgram solana.PublicKey) ([]*rpc.TokenAccount, error)
	Accounts(ctx context.Context, addresses []solana.PublicKey) ([]*rpc.Account, error)
}

type Checker struct {
	chain      Chain
	collection solana.PublicKey
}

func NewChecker(chain Chain, collection solana.PublicKey) *Checker {
	return &Checker{chain: chain, collection: collection}
}

// HasBetaKey reports whether wallet holds exactly one of some mint whose
// metadata names the collection as verified.
func (c *Checker) HasBetaKey(ctx context.Context, wallet solana.PublicKey) (bool, error) {
	tokens, err := c.chain.TokenAccountsByOwner(ctx, wallet, solana.TokenProgramID)
	if err != nil {
		return false, fmt.Errorf("list token accounts: %w", err)
	}

	var metadata []solana.PublicKey
	for _, token := range tokens {
		if token == nil {
			continue
		}
		data := token.Account.Data.GetBinary()
		if len(data) < tokenAccountSize || binary.LittleEndian.Uint64(data[tokenAmountOffset:]) != 1 {
			continue
		}
		mint := solana.PublicKeyFromBytes(data[:32])
		address, _, err := DeriveMetadataPDA(mint)
		if err != nil {
			return false, err
		}
		metadata = append(metadata, address)
	}
	if len(metadata) == 0 {
		return false, nil
	}

	accounts, err := c.chain.Accounts(ctx, metadata)
	if err != nil {
		return false, fmt.Errorf("load metadata: %w", err)
	}
	for _, account := range accounts {
		if account == nil {
			continue
		}
		collection, verified, err := DecodeCollection(account.Data.GetBinary())
		if err != nil {
			continue
		}
		if verified && collection.Equals(c.collection) {
			return true, nil
		}
	}
	return false, nil
}

func DeriveMetadataPDA(mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("metadata"), MetadataProgramID.Bytes(), mint.Bytes()}, MetadataProgramID)
}

var errNoCollection = errors.New("metadata has no collection")

// DecodeCollection walks a borsh-encoded Metaplex metadata account up to
// its collection field.
func DecodeCollection(data []byte) (solana.PublicKey, bool, error) {
	dec := bin.NewBorshDecoder(data)
	key, err := dec.ReadUint8()
	if err != nil {
		return solana.PublicKey{}, false, err
	}
	if key != metadataKeyV1 {
		return solana.PublicKey{}, false, fmt.Errorf("unexpected metadata key %d", key)
	}
	// update authority, mint
	if _, err := dec.ReadNBytes(64); err != nil {
		return solana.PublicKey{}, false, err
	}
	// name, symbol, uri
	for i := 0; i < maxMetadataStrings; i++ {
		if err := skipString(dec); err != nil {
			return solana.PublicKey{}, false, err
		}
	}
	if _, err := dec.ReadUint16(binary.LittleEndian); err != nil {
		return solana.PublicKey{}, false, err
	}
	hasCreators, err := dec.ReadUint8()
	if err != nil {
		return solana.PublicKey{}, false, err
	}
	if hasCreators == 1 {
		count, err := dec.ReadUint32(binary.LittleEndian)
		if err != nil {
			return solana.PublicKey{}, false, err
		}
		// address, verified, share
		if _, err := dec.ReadNBytes(int(count) * 34); err != nil {
			return solana.PublicKey{}, false, err
		}
	}
	// primary sale happened, is mutable
	if _, err := dec.ReadNBytes(2); err != nil {
		return solana.PublicKey{}, false, err
	}
	// edition nonce, token standard
	for i := 0; i < 2; i++ {
		if err := skipOptionU8(dec); err != nil {
			return solana.PublicKey{}, false, err
		}
	}
	hasCollection, err := dec.ReadUint8()
	if err != nil {
		return solana.PublicKey{}, false, err
	}
	if hasCollection != 1 {
		return solana.PublicKey{}, false, errNoCollection
	}
	verified, err := dec.ReadBool()
	if err != nil {
		return solana.PublicKey{}, false, err
	}
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, false, err
	}
	return solana.PublicKeyFromBytes(raw), verified, nil
}

func skipString(dec *bin.Decoder) error {
	length, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return err
	}
	_, err = dec.ReadNBytes(int(length))
	return err
}

func skipOptionU8(dec *bin.Decoder) error {
	tag, err := dec.ReadUint8()
	if err != nil {
		return err
	}
	if tag == 1 {
		_, err = dec.ReadUint8()
	}
	return err
}
