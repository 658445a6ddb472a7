package betakey

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	tokens   []*rpc.TokenAccount
	accounts map[solana.PublicKey][]byte
}

func (f *fakeChain) TokenAccountsByOwner(context.Context, solana.PublicKey, solana.PublicKey) ([]*rpc.TokenAccount, error) {
	return f.tokens, nil
}

func (f *fakeChain) Accounts(_ context.Context, addresses []solana.PublicKey) ([]*rpc.Account, error) {
	out := make([]*rpc.Account, len(addresses))
	for i, address := range addresses {
		if data, ok := f.accounts[address]; ok {
			out[i] = &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}
		}
	}
	return out, nil
}

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func tokenAccount(mint, owner solana.PublicKey, amount uint64) *rpc.TokenAccount {
	data := make([]byte, tokenAccountSize)
	copy(data, mint.Bytes())
	copy(data[32:], owner.Bytes())
	binary.LittleEndian.PutUint64(data[tokenAmountOffset:], amount)
	return &rpc.TokenAccount{Account: rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}}
}

func metadata(mint solana.PublicKey, collection *solana.PublicKey, verified bool, creators int) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteByte(metadataKeyV1)
	buf.Write(make([]byte, 32))
	buf.Write(mint.Bytes())
	for _, s := range []string{"Quartz Beta Key", "QBK", "https://example.invalid/meta.json"} {
		_ = binary.Write(&buf, le, uint32(len(s)))
		buf.WriteString(s)
	}
	_ = binary.Write(&buf, le, uint16(500))
	if creators > 0 {
		buf.WriteByte(1)
		_ = binary.Write(&buf, le, uint32(creators))
		buf.Write(make([]byte, 34*creators))
	} else {
		buf.WriteByte(0)
	}
	buf.Write([]byte{1, 1})
	buf.Write([]byte{1, 255})
	buf.Write([]byte{0})
	if collection == nil {
		buf.WriteByte(0)
		return buf.Bytes()
	}
	buf.WriteByte(1)
	if verified {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(collection.Bytes())
	return buf.Bytes()
}

func TestDecodeCollection(t *testing.T) {
	mint, collection := newKey(t), newKey(t)

	got, verified, err := DecodeCollection(metadata(mint, &collection, true, 2))
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, collection, got)

	_, _, err = DecodeCollection(metadata(mint, nil, false, 0))
	assert.ErrorIs(t, err, errNoCollection)

	_, _, err = DecodeCollection([]byte{9})
	assert.Error(t, err)
}

func TestHasBetaKey(t *testing.T) {
	wallet, collection := newKey(t), newKey(t)
	keyMint, fungibleMint, fakeMint := newKey(t), newKey(t), newKey(t)
	other := newKey(t)

	metaFor := func(mint solana.PublicKey) solana.PublicKey {
		address, _, err := DeriveMetadataPDA(mint)
		require.NoError(t, err)
		return address
	}

	f := &fakeChain{
		tokens: []*rpc.TokenAccount{
			tokenAccount(fungibleMint, wallet, 5_000),
			tokenAccount(fakeMint, wallet, 1),
		},
		accounts: map[solana.PublicKey][]byte{
			metaFor(fungibleMint): metadata(fungibleMint, &collection, true, 0),
			metaFor(fakeMint):     metadata(fakeMint, &other, true, 0),
			metaFor(keyMint):      metadata(keyMint, &collection, true, 1),
		},
	}
	checker := NewChecker(f, collection)

	ok, err := checker.HasBetaKey(context.Background(), wallet)
	require.NoError(t, err)
	assert.False(t, ok)

	f.tokens = append(f.tokens, tokenAccount(keyMint, wallet, 1))
	ok, err = checker.HasBetaKey(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasBetaKeyRequiresVerifiedCollection(t *testing.T) {
	wallet, collection, mint := newKey(t), newKey(t), newKey(t)
	address, _, err := DeriveMetadataPDA(mint)
	require.NoError(t, err)
	f := &fakeChain{
		tokens:   []*rpc.TokenAccount{tokenAccount(mint, wallet, 1)},
		accounts: map[solana.PublicKey][]byte{address: metadata(mint, &collection, false, 0)},
	}

	ok, err := NewChecker(f, collection).HasBetaKey(context.Background(), wallet)
	require.NoError(t, err)
	assert.False(t, ok)
}
