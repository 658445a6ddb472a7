package keeper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pyra-labs/protocol-api-sub000/internal/chain"
	"github.com/pyra-labs/protocol-api-sub000/internal/config"
	"github.com/pyra-labs/protocol-api-sub000/internal/confirm"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/store"
	"github.com/pyra-labs/protocol-api-sub000/internal/txbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("6JjHXLheGSNvvexgzMthEcgjkcirDrGduc3HAKB2P1v2")

type fakeChain struct {
	mu      sync.Mutex
	slot    uint64
	sent    []*solana.Transaction
	sendErr error
}

func (f *fakeChain) Slot(context.Context) (uint64, error) { return f.slot, nil }

func (f *fakeChain) SendTransaction(_ context.Context, tx *solana.Transaction, _ bool, _ *uint) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeChain) LatestBlockhash(context.Context) (chain.Blockhash, error) {
	return chain.Blockhash{Hash: solana.HashFromBytes(bytes.Repeat([]byte{5}, 32)), LastValidBlockHeight: 100}, nil
}

func (f *fakeChain) Accounts(_ context.Context, addresses []solana.PublicKey) ([]*rpc.Account, error) {
	return make([]*rpc.Account, len(addresses)), nil
}

// fakeOrders serves a fixed order book and builds real fulfil instructions.
type fakeOrders struct {
	*quartz.Client
	orders []quartz.KeyedWithdrawOrder
}

func (f *fakeOrders) WithdrawOrders(context.Context) ([]quartz.KeyedWithdrawOrder, error) {
	return f.orders, nil
}

type fakeConfirmer struct {
	result               confirm.Result
	lastValidBlockHeight uint64
}

func (f *fakeConfirmer) Confirm(_ context.Context, signature solana.Signature, lastValidBlockHeight uint64) (confirm.Result, error) {
	f.lastValidBlockHeight = lastValidBlockHeight
	result := f.result
	result.Signature = signature
	return result, nil
}

type fakeRecorder struct {
	recorded []store.FulfilledOrder
	slots    []uint64
	err      error
}

func (f *fakeRecorder) RecordFulfilledOrder(_ context.Context, order store.FulfilledOrder, slot uint64) error {
	f.recorded = append(f.recorded, order)
	f.slots = append(f.slots, slot)
	return f.err
}

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func order(t *testing.T, releaseSlot uint64, marketIndex uint16) quartz.KeyedWithdrawOrder {
	owner := newKey(t)
	return quartz.KeyedWithdrawOrder{
		Address: newKey(t),
		Order: quartz.WithdrawOrder{
			Owner:       owner,
			ReleaseSlot: releaseSlot,
			Amount:      1_000 + releaseSlot,
			MarketIndex: marketIndex,
			Destination: owner,
		},
	}
}

type harness struct {
	chain     *fakeChain
	orders    *fakeOrders
	confirmer *fakeConfirmer
	recorder  *fakeRecorder
	service   *Service
}

func newHarness(t *testing.T, maxPerTick int, orders ...quartz.KeyedWithdrawOrder) *harness {
	t.Helper()
	signer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	h := &harness{
		chain:     &fakeChain{slot: 500},
		orders:    &fakeOrders{Client: quartz.NewClient(nil, testProgramID, nil), orders: orders},
		confirmer: &fakeConfirmer{result: confirm.Result{Success: true}},
		recorder:  &fakeRecorder{},
	}
	h.service = &Service{
		cfg:       config.KeeperConfig{MaxOrdersPerTick: maxPerTick, TxTimeout: time.Second},
		chain:     h.chain,
		orders:    h.orders,
		assembler: txbuild.NewBuilder(h.chain, 200_000, 0),
		confirmer: h.confirmer,
		recorder:  h.recorder,
		signer:    signer,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return h
}

func TestTickFulfilsReleasedOrdersOnly(t *testing.T) {
	early := order(t, 100, 1)
	due := order(t, 500, 0)
	late := order(t, 501, 1)
	h := newHarness(t, 10, early, due, late)

	require.NoError(t, h.service.tick(context.Background()))

	require.Len(t, h.chain.sent, 2)
	require.Len(t, h.recorder.recorded, 2)
	assert.Equal(t, early.Address, h.recorder.recorded[0].Order)
	assert.Equal(t, due.Address, h.recorder.recorded[1].Order)
	assert.Equal(t, []uint64{500, 500}, h.recorder.slots)

	tx := h.chain.sent[0]
	assert.Equal(t, h.service.signer.PublicKey(), tx.Message.AccountKeys[0])
	assert.False(t, tx.Signatures[0].IsZero(), "fee payer signs")
	assert.Equal(t, tx.Signatures[0], h.recorder.recorded[0].Signature)
	assert.Equal(t, uint64(100), h.confirmer.lastValidBlockHeight)
}

func TestTickHonoursMaxOrdersPerTick(t *testing.T) {
	h := newHarness(t, 1, order(t, 10, 0), order(t, 20, 0), order(t, 30, 1))

	require.NoError(t, h.service.tick(context.Background()))
	assert.Len(t, h.chain.sent, 1)
	assert.Equal(t, uint64(1_010), h.recorder.recorded[0].Amount)
}

func TestFailedConfirmationIsNotRecorded(t *testing.T) {
	h := newHarness(t, 10, order(t, 10, 0))

	h.confirmer.result = confirm.Result{Timeout: true}
	require.NoError(t, h.service.tick(context.Background()))
	assert.Empty(t, h.recorder.recorded)

	h.confirmer.result = confirm.Result{Error: `{"InstructionError":[0,"Custom"]}`}
	require.NoError(t, h.service.tick(context.Background()))
	assert.Empty(t, h.recorder.recorded)
}

func TestUnsupportedMarketIsSkipped(t *testing.T) {
	h := newHarness(t, 10, order(t, 10, 42), order(t, 11, 0))

	require.NoError(t, h.service.tick(context.Background()))
	require.Len(t, h.recorder.recorded, 1)
	assert.Equal(t, uint16(0), h.recorder.recorded[0].MarketIndex)
}

func TestSendFailureLeavesOrderForNextTick(t *testing.T) {
	h := newHarness(t, 10, order(t, 10, 0))
	h.chain.sendErr = errors.New("node is behind")

	require.NoError(t, h.service.tick(context.Background()))
	assert.Empty(t, h.recorder.recorded)

	h.chain.sendErr = nil
	require.NoError(t, h.service.tick(context.Background()))
	assert.Len(t, h.recorder.recorded, 1)
}

func TestStoreFailureDoesNotFailOrder(t *testing.T) {
	h := newHarness(t, 10, order(t, 10, 0))
	h.recorder.err = errors.New("db down")

	candidate := h.orders.orders[0]
	assert.NoError(t, h.service.fulfil(context.Background(), candidate, 500))
	assert.Len(t, h.chain.sent, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 10)
	h.service.cfg.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.service.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}
