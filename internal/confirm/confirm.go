// Package confirm waits for a transaction signature to land within a
// wall-clock budget.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
)

const (
	DefaultBudget       = 30 * time.Second
	DefaultPollInterval = 700 * time.Millisecond
)

var ErrBlockHeightExceeded = errors.New("block height exceeded")

type Chain interface {
	SignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// Result is terminal: either the transaction landed (Success tells whether
// it executed without error) or the budget ran out.
type Result struct {
	Signature solana.Signature `json:"signature"`
	Success   bool             `json:"success"`
	Timeout   bool             `json:"timeout"`
	Error     string           `json:"error,omitempty"`
}

type Confirmer struct {
	chain        Chain
	wsURL        string
	commitment   rpc.CommitmentType
	budget       time.Duration
	pollInterval time.Duration
	dialer       *websocket.Dialer
	logger       *slog.Logger
}

type Option func(*Confirmer)

func WithPollInterval(interval time.Duration) Option {
	return func(c *Confirmer) { c.pollInterval = interval }
}

// NewConfirmer leaves the websocket race out when wsURL is empty.
func NewConfirmer(chain Chain, wsURL string, commitment rpc.CommitmentType, budget time.Duration, logger *slog.Logger, opts ...Option) *Confirmer {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	c := &Confirmer{
		chain:        chain,
		wsURL:        wsURL,
		commitment:   commitment,
		budget:       budget,
		pollInterval: DefaultPollInterval,
		dialer:       &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type outcome struct {
	result Result
	err    error
}

// Confirm races a signatureSubscribe notification against status polling.
// lastValidBlockHeight is optional; when set, passing it ends the wait as a
// timeout without spending the whole budget.
func (c *Confirmer) Confirm(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	outcomes := make(chan outcome, 2)
	if c.wsURL != "" {
		go func() {
			result, err := c.subscribe(ctx, signature)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("signature subscription unavailable, polling only", "signature", signature.String(), "error", err)
				}
				return
			}
			outcomes <- outcome{result: result}
		}()
	}
	go func() {
		result, err := c.poll(ctx, signature, lastValidBlockHeight)
		outcomes <- outcome{result: result, err: err}
	}()

	select {
	case out := <-outcomes:
		if errors.Is(out.err, ErrBlockHeightExceeded) {
			return Result{Signature: signature, Timeout: true, Error: out.err.Error()}, nil
		}
		if out.err != nil && ctx.Err() == nil {
			return Result{}, out.err
		}
		if out.err != nil {
			return c.timeout(ctx, signature)
		}
		return out.result, nil
	case <-ctx.Done():
		return c.timeout(ctx, signature)
	}
}

func (c *Confirmer) timeout(ctx context.Context, signature solana.Signature) (Result, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Signature: signature, Timeout: true}, nil
	}
	return Result{}, ctx.Err()
}

func (c *Confirmer) poll(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) (Result, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.chain.SignatureStatus(ctx, signature)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			c.logger.Warn("signature status poll failed", "signature", signature.String(), "error", err)
		} else if status != nil && reached(status.ConfirmationStatus, c.commitment) {
			return landed(signature, status.Err), nil
		}

		if lastValidBlockHeight > 0 {
			height, err := c.chain.BlockHeight(ctx)
			if err == nil && height > lastValidBlockHeight {
				return Result{}, fmt.Errorf("%w: %d > %d", ErrBlockHeightExceeded, height, lastValidBlockHeight)
			}
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Confirmer) subscribe(ctx context.Context, signature solana.Signature) (Result, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "signatureSubscribe",
		"params":  []any{signature.String(), map[string]any{"commitment": string(c.commitment)}},
	}
	if err := conn.WriteJSON(request); err != nil {
		return Result{}, fmt.Errorf("subscribe: %w", err)
	}

	for {
		var message struct {
			Method string `json:"method"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
			Params struct {
				Result struct {
					Value struct {
						Err json.RawMessage `json:"err"`
					} `json:"value"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&message); err != nil {
			return Result{}, fmt.Errorf("read notification: %w", err)
		}
		if message.Error != nil {
			return Result{}, fmt.Errorf("subscribe rejected: %s", message.Error.Message)
		}
		if message.Method != "signatureNotification" {
			continue
		}
		var txErr any
		raw := strings.TrimSpace(string(message.Params.Result.Value.Err))
		if raw != "" && raw != "null" {
			txErr = json.RawMessage(raw)
		}
		return landed(signature, txErr), nil
	}
}

func landed(signature solana.Signature, txErr any) Result {
	result := Result{Signature: signature, Success: txErr == nil}
	if txErr != nil {
		if encoded, err := json.Marshal(txErr); err == nil {
			result.Error = string(encoded)
		} else {
			result.Error = fmt.Sprint(txErr)
		}
	}
	return result
}

func reached(status rpc.ConfirmationStatusType, target rpc.CommitmentType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return target != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return target == rpc.CommitmentProcessed
	default:
		return false
	}
}
