package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pyra-labs/protocol-api-sub000/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	name      string
	calls     int
	blockhash func() (*rpc.GetLatestBlockhashResult, error)
	account   func(solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	multiple  func([]solana.PublicKey) (*rpc.GetMultipleAccountsResult, error)
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.calls++
	return f.blockhash()
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.calls++
	return f.account(account)
}

func (f *fakeRPC) GetMultipleAccountsWithOpts(_ context.Context, accounts []solana.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	f.calls++
	return f.multiple(accounts)
}

func (f *fakeRPC) GetProgramAccountsWithOpts(context.Context, solana.PublicKey, *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	f.calls++
	return nil, nil
}

func (f *fakeRPC) GetTokenAccountsByOwner(context.Context, solana.PublicKey, *rpc.GetTokenAccountsConfig, *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	f.calls++
	return &rpc.GetTokenAccountsResult{}, nil
}

func (f *fakeRPC) GetSignaturesForAddressWithOpts(context.Context, solana.PublicKey, *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	f.calls++
	return nil, nil
}

func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.calls++
	return &rpc.GetSignatureStatusesResult{}, nil
}

func (f *fakeRPC) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	f.calls++
	return 42, nil
}

func (f *fakeRPC) GetBlockHeight(context.Context, rpc.CommitmentType) (uint64, error) {
	f.calls++
	return 40, nil
}

func (f *fakeRPC) SendTransactionWithOpts(context.Context, *solana.Transaction, rpc.TransactionOpts) (solana.Signature, error) {
	f.calls++
	return solana.Signature{}, nil
}

func noSleepPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

func TestLatestBlockhashFailsOverToNextEndpoint(t *testing.T) {
	hash := solana.Hash{1, 2, 3}
	down := &fakeRPC{name: "a", blockhash: func() (*rpc.GetLatestBlockhashResult, error) {
		return nil, errors.New("connection refused")
	}}
	up := &fakeRPC{name: "b", blockhash: func() (*rpc.GetLatestBlockhashResult, error) {
		return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: hash, LastValidBlockHeight: 99}}, nil
	}}

	client := NewWithRPC([]RPC{down, up}, rpc.CommitmentConfirmed, noSleepPolicy(3), nil)
	got, err := client.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got.Hash)
	assert.Equal(t, uint64(99), got.LastValidBlockHeight)
	assert.Equal(t, 1, down.calls)
	assert.Equal(t, 1, up.calls)
}

func TestLatestBlockhashGivesUpAfterMaxAttempts(t *testing.T) {
	down := &fakeRPC{blockhash: func() (*rpc.GetLatestBlockhashResult, error) {
		return nil, &jsonrpc.RPCError{Code: codeNodeUnhealthy, Message: "Node is unhealthy"}
	}}
	client := NewWithRPC([]RPC{down}, rpc.CommitmentConfirmed, noSleepPolicy(3), nil)

	_, err := client.LatestBlockhash(context.Background())
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, down.calls)
}

func TestAccountNotFoundIsPermanent(t *testing.T) {
	missing := &fakeRPC{account: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
		return nil, rpc.ErrNotFound
	}}
	client := NewWithRPC([]RPC{missing}, rpc.CommitmentConfirmed, noSleepPolicy(3), nil)

	_, err := client.Account(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, 1, missing.calls)
}

func TestAccountsChunksRequests(t *testing.T) {
	var sizes []int
	fake := &fakeRPC{multiple: func(keys []solana.PublicKey) (*rpc.GetMultipleAccountsResult, error) {
		sizes = append(sizes, len(keys))
		return &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(keys))}, nil
	}}
	client := NewWithRPC([]RPC{fake}, rpc.CommitmentConfirmed, noSleepPolicy(1), nil)

	keys := make([]solana.PublicKey, 230)
	accounts, err := client.Accounts(context.Background(), keys)
	require.NoError(t, err)
	assert.Len(t, accounts, 230)
	assert.Equal(t, []int{100, 100, 30}, sizes)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{"invalid params", &jsonrpc.RPCError{Code: codeInvalidParams}, retry.KindPermanent},
		{"preflight", &jsonrpc.RPCError{Code: codeSendTxPreflightFailed}, retry.KindPermanent},
		{"unhealthy", &jsonrpc.RPCError{Code: codeNodeUnhealthy}, retry.KindTransient},
		{"unknown code", &jsonrpc.RPCError{Code: -32099}, retry.KindTransient},
		{"not found", rpc.ErrNotFound, retry.KindPermanent},
		{"transport", errors.New("dial tcp: i/o timeout"), retry.KindTransient},
		{"cancelled", context.Canceled, retry.KindPermanent},
		{"marked transient", retry.Transient(context.DeadlineExceeded), retry.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestDeriveWebsocketURL(t *testing.T) {
	got, err := DeriveWebsocketURL("https://mainnet.helius-rpc.com/?api-key=abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://mainnet.helius-rpc.com/?api-key=abc", got)

	got, err = DeriveWebsocketURL("http://127.0.0.1:8899")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8899", got)

	_, err = DeriveWebsocketURL("ftp://example.com")
	require.Error(t, err)
}

func TestRedactURLDropsSecrets(t *testing.T) {
	assert.Equal(t, "https://rpc.example.com", redactURL("https://rpc.example.com/v1/secret?key=1"))
}
