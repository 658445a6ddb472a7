package txbuild

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pyra-labs/protocol-api-sub000/internal/chain"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var computeBudgetProgram = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

type fakeChain struct {
	blockhashCalls int
	blockhashErr   error
	accounts       map[solana.PublicKey][]byte
}

func (f *fakeChain) LatestBlockhash(context.Context) (chain.Blockhash, error) {
	f.blockhashCalls++
	if f.blockhashErr != nil {
		return chain.Blockhash{}, f.blockhashErr
	}
	var hash solana.Hash
	hash[0] = byte(f.blockhashCalls)
	return chain.Blockhash{Hash: hash, LastValidBlockHeight: 100}, nil
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

func newPrivateKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func programInstruction(t *testing.T, accounts ...*solana.AccountMeta) solana.Instruction {
	t.Helper()
	return solana.NewInstruction(newPrivateKey(t).PublicKey(), accounts, []byte{byte(len(accounts))})
}

func TestBuildPrependsComputeBudgetPair(t *testing.T) {
	f := &fakeChain{}
	builder := NewBuilder(f, 200_000, 1_250)
	payer := newPrivateKey(t).PublicKey()
	rng := rand.New(rand.NewSource(11))

	expected, err := ComputeBudgetInstructions(200_000, 1_250)
	require.NoError(t, err)
	limitData, err := expected[0].Data()
	require.NoError(t, err)
	priceData, err := expected[1].Data()
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		var set quartz.InstructionSet
		for i := 0; i < 1+rng.Intn(6); i++ {
			set.Add(programInstruction(t, solana.Meta(payer).WRITE().SIGNER(), solana.Meta(newPrivateKey(t).PublicKey()).WRITE()))
		}

		tx, err := builder.Build(context.Background(), set, payer)
		require.NoError(t, err)
		encoded, err := Serialize(tx)
		require.NoError(t, err)
		decoded, err := Deserialize(encoded)
		require.NoError(t, err)

		ixs := decoded.Message.Instructions
		require.Len(t, ixs, len(set.Instructions)+2)
		assert.Equal(t, computeBudgetProgram, decoded.Message.AccountKeys[ixs[0].ProgramIDIndex])
		assert.Equal(t, computeBudgetProgram, decoded.Message.AccountKeys[ixs[1].ProgramIDIndex])
		assert.Equal(t, limitData, []byte(ixs[0].Data))
		assert.Equal(t, priceData, []byte(ixs[1].Data))
		assert.Equal(t, payer, decoded.Message.AccountKeys[0])
	}
	assert.Equal(t, 20, f.blockhashCalls, "blockhash is fetched on every build")
}

func TestBuildPlacesSetupBetweenBudgetAndInstructions(t *testing.T) {
	builder := NewBuilder(&fakeChain{}, 200_000, 1)
	payer := newPrivateKey(t).PublicKey()

	setup := programInstruction(t, solana.Meta(payer).WRITE().SIGNER())
	first := programInstruction(t, solana.Meta(payer).WRITE().SIGNER(), solana.Meta(newPrivateKey(t).PublicKey()))
	second := programInstruction(t, solana.Meta(payer).WRITE().SIGNER(), solana.Meta(newPrivateKey(t).PublicKey()), solana.Meta(newPrivateKey(t).PublicKey()))
	set := quartz.InstructionSet{Setup: []solana.Instruction{setup}}
	set.Add(first, second)

	tx, err := builder.Build(context.Background(), set, payer)
	require.NoError(t, err)

	ixs := tx.Message.Instructions
	require.Len(t, ixs, 5)
	programs := make([]solana.PublicKey, len(ixs))
	for i, ix := range ixs {
		programs[i] = tx.Message.AccountKeys[ix.ProgramIDIndex]
	}
	assert.Equal(t, []solana.PublicKey{computeBudgetProgram, computeBudgetProgram, setup.ProgramID(), first.ProgramID(), second.ProgramID()}, programs)

	_, err = builder.Build(context.Background(), quartz.InstructionSet{Setup: []solana.Instruction{setup}}, payer)
	assert.Error(t, err, "setup alone is not a transaction")
}

func TestBuildSignsAuxiliaryKeysOnly(t *testing.T) {
	builder := NewBuilder(&fakeChain{}, 200_000, 1)
	payer := newPrivateKey(t).PublicKey()
	order := newPrivateKey(t)

	set := quartz.InstructionSet{Signers: []solana.PrivateKey{order}}
	set.Add(programInstruction(t, solana.Meta(payer).WRITE().SIGNER(), solana.Meta(order.PublicKey()).WRITE().SIGNER()))

	tx, err := builder.Build(context.Background(), set, payer)
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 2)
	assert.Equal(t, solana.Signature{}, tx.Signatures[0], "fee payer signs client side")

	message, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, tx.Signatures[1].Verify(order.PublicKey(), message))
}

func TestBuildRejectsForeignSigner(t *testing.T) {
	builder := NewBuilder(&fakeChain{}, 200_000, 1)
	payer := newPrivateKey(t).PublicKey()
	set := quartz.InstructionSet{Signers: []solana.PrivateKey{newPrivateKey(t)}}
	set.Add(programInstruction(t, solana.Meta(payer).WRITE().SIGNER()))

	_, err := builder.Build(context.Background(), set, payer)
	assert.Error(t, err)
}

func TestBuildPropagatesBlockhashFailure(t *testing.T) {
	boom := errors.New("node unhealthy")
	builder := NewBuilder(&fakeChain{blockhashErr: boom}, 200_000, 1)
	payer := newPrivateKey(t).PublicKey()
	var set quartz.InstructionSet
	set.Add(programInstruction(t, solana.Meta(payer).WRITE().SIGNER()))

	_, err := builder.Build(context.Background(), set, payer)
	assert.ErrorIs(t, err, boom)

	_, err = builder.Build(context.Background(), quartz.InstructionSet{}, payer)
	assert.Error(t, err)
}

func lookupTableData(addresses ...solana.PublicKey) []byte {
	data := make([]byte, 56, 56+32*len(addresses))
	binary.LittleEndian.PutUint32(data[0:], 1)
	binary.LittleEndian.PutUint64(data[4:], math.MaxUint64)
	data[21] = 1
	for _, address := range addresses {
		data = append(data, address.Bytes()...)
	}
	return data
}

func TestBuildUsesLookupTables(t *testing.T) {
	payer := newPrivateKey(t).PublicKey()
	inTable := newPrivateKey(t).PublicKey()
	table := newPrivateKey(t).PublicKey()
	f := &fakeChain{accounts: map[solana.PublicKey][]byte{table: lookupTableData(inTable)}}
	builder := NewBuilder(f, 200_000, 1)

	set := quartz.InstructionSet{LookupTables: []solana.PublicKey{table, table}}
	set.Add(programInstruction(t, solana.Meta(payer).WRITE().SIGNER(), solana.Meta(inTable).WRITE()))

	tx, err := builder.Build(context.Background(), set, payer)
	require.NoError(t, err)
	require.Len(t, tx.Message.AddressTableLookups, 1)
	assert.Equal(t, table, tx.Message.AddressTableLookups[0].AccountKey)
	assert.NotContains(t, tx.Message.AccountKeys, inTable)

	missing := quartz.InstructionSet{LookupTables: []solana.PublicKey{newPrivateKey(t).PublicKey()}}
	missing.Add(programInstruction(t, solana.Meta(payer).WRITE().SIGNER()))
	_, err = builder.Build(context.Background(), missing, payer)
	assert.ErrorIs(t, err, ErrLookupTableNotFound)
}
