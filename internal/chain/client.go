package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pyra-labs/protocol-api-sub000/internal/config"
	"github.com/pyra-labs/protocol-api-sub000/internal/retry"
)

// getMultipleAccounts accepts at most 100 keys per request.
const maxAccountsPerRequest = 100

var ErrAccountNotFound = errors.New("account not found")

// RPC is the subset of *rpc.Client used here.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

type endpoint struct {
	url    string
	client RPC
}

// Client spreads calls over every configured RPC endpoint and retries
// transient failures on the next endpoint in line.
type Client struct {
	endpoints  []endpoint
	next       atomic.Uint64
	commitment rpc.CommitmentType
	policy     retry.Policy
	wsURL      string
	logger     *slog.Logger
}

type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

func New(cfg config.ChainConfig, logger *slog.Logger) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}
	endpoints := make([]endpoint, 0, len(cfg.RPCURLs))
	for _, raw := range cfg.RPCURLs {
		endpoints = append(endpoints, endpoint{url: raw, client: rpc.New(raw)})
	}

	wsURL := cfg.WSURL
	if wsURL == "" {
		derived, err := DeriveWebsocketURL(cfg.RPCURLs[0])
		if err != nil {
			return nil, fmt.Errorf("derive websocket url: %w", err)
		}
		wsURL = derived
	}

	policy := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Classify:     Classify,
	}
	return newClient(endpoints, cfg.Commitment, policy, wsURL, logger), nil
}

// NewWithRPC builds a Client over already constructed endpoints.
func NewWithRPC(clients []RPC, commitment rpc.CommitmentType, policy retry.Policy, logger *slog.Logger) *Client {
	endpoints := make([]endpoint, 0, len(clients))
	for i, client := range clients {
		endpoints = append(endpoints, endpoint{url: fmt.Sprintf("endpoint-%d", i), client: client})
	}
	if policy.Classify == nil {
		policy.Classify = Classify
	}
	return newClient(endpoints, commitment, policy, "", logger)
}

func newClient(endpoints []endpoint, commitment rpc.CommitmentType, policy retry.Policy, wsURL string, logger *slog.Logger) *Client {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoints:  endpoints,
		commitment: commitment,
		policy:     policy,
		wsURL:      wsURL,
		logger:     logger,
	}
}

func (c *Client) Commitment() rpc.CommitmentType { return c.commitment }

func (c *Client) WebsocketURL() string { return c.wsURL }

func (c *Client) pick() endpoint {
	idx := c.next.Add(1) - 1
	return c.endpoints[idx%uint64(len(c.endpoints))]
}

func call[T any](ctx context.Context, c *Client, method string, op func(ctx context.Context, client RPC) (T, error)) (T, error) {
	attempt := 0
	return retry.Do(ctx, c.policy, func(ctx context.Context) (T, error) {
		attempt++
		ep := c.pick()
		value, err := op(ctx, ep.client)
		if err != nil {
			c.logger.Debug("rpc call failed",
				"method", method,
				"endpoint", redactURL(ep.url),
				"attempt", attempt,
				"kind", c.policy.Classify(err),
				"err", err,
			)
			return value, fmt.Errorf("%s: %w", method, err)
		}
		return value, nil
	})
}

func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	return call(ctx, c, "getLatestBlockhash", func(ctx context.Context, client RPC) (Blockhash, error) {
		out, err := client.GetLatestBlockhash(ctx, c.commitment)
		if err != nil {
			return Blockhash{}, err
		}
		if out == nil || out.Value == nil {
			return Blockhash{}, errors.New("empty blockhash response")
		}
		return Blockhash{Hash: out.Value.Blockhash, LastValidBlockHeight: out.Value.LastValidBlockHeight}, nil
	})
}

// Account returns ErrAccountNotFound when the address holds no account.
func (c *Client) Account(ctx context.Context, address solana.PublicKey) (*rpc.Account, error) {
	return call(ctx, c, "getAccountInfo", func(ctx context.Context, client RPC) (*rpc.Account, error) {
		out, err := client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Commitment: c.commitment,
			Encoding:   solana.EncodingBase64,
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrAccountNotFound, address))
			}
			return nil, err
		}
		if out == nil || out.Value == nil {
			return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrAccountNotFound, address))
		}
		return out.Value, nil
	})
}

// Accounts returns one entry per address, nil where no account exists.
func (c *Client) Accounts(ctx context.Context, addresses []solana.PublicKey) ([]*rpc.Account, error) {
	out := make([]*rpc.Account, 0, len(addresses))
	for start := 0; start < len(addresses); start += maxAccountsPerRequest {
		end := min(start+maxAccountsPerRequest, len(addresses))
		chunk := addresses[start:end]
		accounts, err := call(ctx, c, "getMultipleAccounts", func(ctx context.Context, client RPC) ([]*rpc.Account, error) {
			res, err := client.GetMultipleAccountsWithOpts(ctx, chunk, &rpc.GetMultipleAccountsOpts{
				Commitment: c.commitment,
				Encoding:   solana.EncodingBase64,
			})
			if err != nil {
				return nil, err
			}
			if res == nil || len(res.Value) != len(chunk) {
				return nil, fmt.Errorf("expected %d accounts in response", len(chunk))
			}
			return res.Value, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, accounts...)
	}
	return out, nil
}

func (c *Client) ProgramAccounts(ctx context.Context, program solana.PublicKey, filters []rpc.RPCFilter) (rpc.GetProgramAccountsResult, error) {
	return call(ctx, c, "getProgramAccounts", func(ctx context.Context, client RPC) (rpc.GetProgramAccountsResult, error) {
		return client.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
			Commitment: c.commitment,
			Encoding:   solana.EncodingBase64,
			Filters:    filters,
		})
	})
}

func (c *Client) TokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, tokenProgram solana.PublicKey) ([]*rpc.TokenAccount, error) {
	return call(ctx, c, "getTokenAccountsByOwner", func(ctx context.Context, client RPC) ([]*rpc.TokenAccount, error) {
		program := tokenProgram
		res, err := client.GetTokenAccountsByOwner(ctx, owner,
			&rpc.GetTokenAccountsConfig{ProgramId: &program},
			&rpc.GetTokenAccountsOpts{Commitment: c.commitment, Encoding: solana.EncodingBase64},
		)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		return res.Value, nil
	})
}

func (c *Client) SignaturesForAddress(ctx context.Context, address solana.PublicKey, limit int) ([]*rpc.TransactionSignature, error) {
	return call(ctx, c, "getSignaturesForAddress", func(ctx context.Context, client RPC) ([]*rpc.TransactionSignature, error) {
		return client.GetSignaturesForAddressWithOpts(ctx, address, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: c.commitment,
		})
	})
}

// SignatureStatus returns nil when the cluster does not know the signature.
func (c *Client) SignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error) {
	return call(ctx, c, "getSignatureStatuses", func(ctx context.Context, client RPC) (*rpc.SignatureStatusesResult, error) {
		res, err := client.GetSignatureStatuses(ctx, true, signature)
		if err != nil {
			return nil, err
		}
		if res == nil || len(res.Value) == 0 {
			return nil, nil
		}
		return res.Value[0], nil
	})
}

func (c *Client) Slot(ctx context.Context) (uint64, error) {
	return call(ctx, c, "getSlot", func(ctx context.Context, client RPC) (uint64, error) {
		return client.GetSlot(ctx, c.commitment)
	})
}

func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	return call(ctx, c, "getBlockHeight", func(ctx context.Context, client RPC) (uint64, error) {
		return client.GetBlockHeight(ctx, c.commitment)
	})
}

// SendTransaction resubmits the same signed bytes on transient failures, so
// the signature never changes across attempts.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction, skipPreflight bool, maxRetries *uint) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       skipPreflight,
		PreflightCommitment: c.commitment,
	}
	if maxRetries != nil {
		retries := *maxRetries
		opts.MaxRetries = &retries
	}
	return call(ctx, c, "sendTransaction", func(ctx context.Context, client RPC) (solana.Signature, error) {
		return client.SendTransactionWithOpts(ctx, tx, opts)
	})
}

// DeriveWebsocketURL maps http(s)://host/path to ws(s)://host/path.
func DeriveWebsocketURL(rpcURL string) (string, error) {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	// api keys are commonly carried in the query or path
	return parsed.Scheme + "://" + parsed.Host
}
