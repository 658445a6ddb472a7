// Package jupiter talks to the Jupiter swap aggregator HTTP API.
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/retry"
)

const (
	SwapModeExactIn  = "ExactIn"
	SwapModeExactOut = "ExactOut"

	maxErrorBody = 512
)

var ErrNoRoute = errors.New("no swap route")

type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("jupiter returned %d: %s", e.Status, e.Body)
}

func Classify(err error) retry.Kind {
	if kind, ok := retry.MarkedKind(err); ok {
		return kind
	}
	if errors.Is(err, ErrNoRoute) {
		return retry.KindPermanent
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Status == http.StatusTooManyRequests || upstream.Status >= 500 {
			return retry.KindTransient
		}
		return retry.KindPermanent
	}
	return retry.ClassifyMarked(err)
}

type QuoteRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps uint16
	SwapMode    string
}

// Quote keeps the raw response because the swap endpoint wants it echoed
// back unchanged.
type Quote struct {
	InputMint  solana.PublicKey
	OutputMint solana.PublicKey
	InAmount   uint64
	OutAmount  uint64
	SwapMode   string
	Raw        json.RawMessage
}

type SwapInstructions struct {
	Setup        []solana.Instruction
	Swap         solana.Instruction
	Cleanup      []solana.Instruction
	LookupTables []solana.PublicKey
}

// All returns setup, swap and cleanup in execution order.
func (s SwapInstructions) All() []solana.Instruction {
	out := make([]solana.Instruction, 0, len(s.Setup)+1+len(s.Cleanup))
	out = append(out, s.Setup...)
	out = append(out, s.Swap)
	return append(out, s.Cleanup...)
}

type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
}

func NewClient(baseURL string, timeout time.Duration, policy retry.Policy) *Client {
	if policy.Classify == nil {
		policy.Classify = Classify
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		policy:  policy,
	}
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	mode := req.SwapMode
	if mode == "" {
		mode = SwapModeExactIn
	}
	query := url.Values{}
	query.Set("inputMint", req.InputMint.String())
	query.Set("outputMint", req.OutputMint.String())
	query.Set("amount", strconv.FormatUint(req.Amount, 10))
	query.Set("slippageBps", strconv.Itoa(int(req.SlippageBps)))
	query.Set("swapMode", mode)
	query.Set("onlyDirectRoutes", "false")

	return retry.Do(ctx, c.policy, func(ctx context.Context) (Quote, error) {
		var payload struct {
			InputMint  string `json:"inputMint"`
			OutputMint string `json:"outputMint"`
			InAmount   string `json:"inAmount"`
			OutAmount  string `json:"outAmount"`
			SwapMode   string `json:"swapMode"`
		}
		raw, err := c.do(ctx, http.MethodGet, "/quote?"+query.Encode(), nil)
		if err != nil {
			return Quote{}, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return Quote{}, retry.Permanent(fmt.Errorf("decode quote: %w", err))
		}
		inAmount, err := strconv.ParseUint(payload.InAmount, 10, 64)
		if err != nil {
			return Quote{}, retry.Permanent(fmt.Errorf("quote inAmount %q: %w", payload.InAmount, err))
		}
		outAmount, err := strconv.ParseUint(payload.OutAmount, 10, 64)
		if err != nil {
			return Quote{}, retry.Permanent(fmt.Errorf("quote outAmount %q: %w", payload.OutAmount, err))
		}
		return Quote{
			InputMint:  req.InputMint,
			OutputMint: req.OutputMint,
			InAmount:   inAmount,
			OutAmount:  outAmount,
			SwapMode:   payload.SwapMode,
			Raw:        raw,
		}, nil
	})
}

// SwapInstructions asks for the instructions that execute quote for user.
// Compute budget instructions from the aggregator are dropped; the
// transaction assembler sets its own.
func (c *Client) SwapInstructions(ctx context.Context, quote Quote, user solana.PublicKey) (SwapInstructions, error) {
	body, err := json.Marshal(map[string]any{
		"quoteResponse":    quote.Raw,
		"userPublicKey":    user.String(),
		"wrapAndUnwrapSol": false,
	})
	if err != nil {
		return SwapInstructions{}, fmt.Errorf("encode swap request: %w", err)
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context) (SwapInstructions, error) {
		raw, err := c.do(ctx, http.MethodPost, "/swap-instructions", body)
		if err != nil {
			return SwapInstructions{}, err
		}
		var payload struct {
			SetupInstructions           []instructionJSON `json:"setupInstructions"`
			SwapInstruction             *instructionJSON  `json:"swapInstruction"`
			CleanupInstruction          *instructionJSON  `json:"cleanupInstruction"`
			AddressLookupTableAddresses []string          `json:"addressLookupTableAddresses"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return SwapInstructions{}, retry.Permanent(fmt.Errorf("decode swap instructions: %w", err))
		}
		if payload.SwapInstruction == nil {
			return SwapInstructions{}, retry.Permanent(errors.New("swap instructions response has no swap instruction"))
		}

		var out SwapInstructions
		for _, ix := range payload.SetupInstructions {
			decoded, err := ix.decode()
			if err != nil {
				return SwapInstructions{}, retry.Permanent(err)
			}
			out.Setup = append(out.Setup, decoded)
		}
		if out.Swap, err = payload.SwapInstruction.decode(); err != nil {
			return SwapInstructions{}, retry.Permanent(err)
		}
		if payload.CleanupInstruction != nil {
			decoded, err := payload.CleanupInstruction.decode()
			if err != nil {
				return SwapInstructions{}, retry.Permanent(err)
			}
			out.Cleanup = append(out.Cleanup, decoded)
		}
		for _, address := range payload.AddressLookupTableAddresses {
			key, err := solana.PublicKeyFromBase58(address)
			if err != nil {
				return SwapInstructions{}, retry.Permanent(fmt.Errorf("lookup table %q: %w", address, err))
			}
			out.LookupTables = append(out.LookupTables, key)
		}
		return out, nil
	})
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build jupiter request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Transient(fmt.Errorf("jupiter request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read jupiter response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		text := strings.TrimSpace(string(raw))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		if strings.Contains(text, "COULD_NOT_FIND_ANY_ROUTE") || strings.Contains(text, "NO_ROUTES_FOUND") {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, text)
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Body: text}
	}
	return raw, nil
}

type instructionJSON struct {
	ProgramID string `json:"programId"`
	Accounts  []struct {
		Pubkey     string `json:"pubkey"`
		IsSigner   bool   `json:"isSigner"`
		IsWritable bool   `json:"isWritable"`
	} `json:"accounts"`
	Data string `json:"data"`
}

func (ix instructionJSON) decode() (solana.Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(ix.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("instruction program %q: %w", ix.ProgramID, err)
	}
	accounts := make([]*solana.AccountMeta, 0, len(ix.Accounts))
	for _, account := range ix.Accounts {
		key, err := solana.PublicKeyFromBase58(account.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("instruction account %q: %w", account.Pubkey, err)
		}
		accounts = append(accounts, solana.NewAccountMeta(key, account.IsWritable, account.IsSigner))
	}
	data, err := base64.StdEncoding.DecodeString(ix.Data)
	if err != nil {
		return nil, fmt.Errorf("instruction data: %w", err)
	}
	return solana.NewInstruction(programID, accounts, data), nil
}
