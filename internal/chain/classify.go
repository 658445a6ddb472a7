package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pyra-labs/protocol-api-sub000/internal/retry"
)

// JSON-RPC error codes returned by Solana validators.
const (
	codeInvalidRequest        = -32600
	codeMethodNotFound        = -32601
	codeInvalidParams         = -32602
	codeSendTxPreflightFailed = -32002
	codeSigVerifyFailed       = -32003
	codeBlockNotAvailable     = -32004
	codeNodeUnhealthy         = -32005
	codeSlotSkipped           = -32007
	codeTxPrecompileFailed    = -32013
	codeMinContextSlot        = -32016
)

// Classify decides whether an RPC failure is worth retrying on another
// endpoint. Request-shaped failures are permanent; node and transport
// failures are transient.
func Classify(err error) retry.Kind {
	if kind, ok := retry.MarkedKind(err); ok {
		return kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.KindPermanent
	}
	if errors.Is(err, rpc.ErrNotFound) || errors.Is(err, ErrAccountNotFound) {
		return retry.KindPermanent
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeInvalidRequest, codeMethodNotFound, codeInvalidParams,
			codeSendTxPreflightFailed, codeSigVerifyFailed, codeTxPrecompileFailed:
			return retry.KindPermanent
		case codeBlockNotAvailable, codeNodeUnhealthy, codeSlotSkipped, codeMinContextSlot:
			return retry.KindTransient
		}
		return retry.KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid param"),
		strings.Contains(msg, "wrongsize"),
		strings.Contains(msg, "invalid public key"):
		return retry.KindPermanent
	}
	return retry.KindTransient
}
