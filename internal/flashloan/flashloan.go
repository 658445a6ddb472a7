// Package flashloan builds collateral repay transactions that run inside a
// Marginfi flash loan and are signed by the server-held caller key.
package flashloan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/jupiter"
	"github.com/pyra-labs/protocol-api-sub000/internal/marginfi"
	"github.com/pyra-labs/protocol-api-sub000/internal/market"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/txbuild"
)

const (
	SlippageBps      = 50
	ComputeUnitPrice = 1_000_000
	ComputeUnitLimit = 1_400_000

	// compute unit limit and price precede the flash loan bracket
	budgetInstructions = 2
)

type Phase string

const (
	PhaseQuote     Phase = "quote"
	PhaseAssemble  Phase = "instruction_assembly"
	PhaseLoanWrap  Phase = "loan_wrap"
	PhaseSign      Phase = "sign"
	PhaseSerialize Phase = "serialize"
)

// PhaseError records where the pipeline stopped. None of them are retried.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("collateral repay %s: %v", e.Phase, e.Err) }
func (e *PhaseError) Unwrap() error { return e.Err }

type Quoter interface {
	Quote(ctx context.Context, req jupiter.QuoteRequest) (jupiter.Quote, error)
	SwapInstructions(ctx context.Context, quote jupiter.Quote, user solana.PublicKey) (jupiter.SwapInstructions, error)
}

type Repayer interface {
	CollateralRepayInstructions(ctx context.Context, req quartz.CollateralRepayRequest) (quartz.InstructionSet, error)
}

type Lender interface {
	FindAccount(ctx context.Context, authority solana.PublicKey) (marginfi.Account, error)
	FindBank(ctx context.Context, mint solana.PublicKey) (marginfi.Bank, error)
	WrapFlashLoan(ctx context.Context, account marginfi.Account, bank marginfi.Bank, amount uint64, inner []solana.Instruction, offset int) ([]solana.Instruction, error)
}

type Assembler interface {
	BuildWithBudget(ctx context.Context, set quartz.InstructionSet, feePayer solana.PublicKey, limit uint32, price uint64) (*solana.Transaction, error)
}

type Request struct {
	Owner                 solana.PublicKey
	LoanMarketIndex       uint16
	CollateralMarketIndex uint16
	AmountLoanBaseUnits   uint64
}

type Orchestrator struct {
	quoter    Quoter
	repayer   Repayer
	lender    Lender
	assembler Assembler
	caller    solana.PrivateKey
	logger    *slog.Logger
}

func NewOrchestrator(quoter Quoter, repayer Repayer, lender Lender, assembler Assembler, caller solana.PrivateKey, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		quoter:    quoter,
		repayer:   repayer,
		lender:    lender,
		assembler: assembler,
		caller:    caller,
		logger:    logger,
	}
}

func (o *Orchestrator) Caller() solana.PublicKey { return o.caller.PublicKey() }

// BuildCollateralRepay returns a fully signed base64 transaction that
// flash-borrows collateral, swaps it into the loan asset, repays the loan
// in the vault and withdraws collateral to close the flash loan.
func (o *Orchestrator) BuildCollateralRepay(ctx context.Context, req Request) (string, error) {
	if req.AmountLoanBaseUnits == 0 {
		return "", &PhaseError{Phase: PhaseQuote, Err: errors.New("loan amount must be positive")}
	}
	loan, err := market.Lookup(req.LoanMarketIndex)
	if err != nil {
		return "", &PhaseError{Phase: PhaseQuote, Err: err}
	}
	collateral, err := market.Lookup(req.CollateralMarketIndex)
	if err != nil {
		return "", &PhaseError{Phase: PhaseQuote, Err: err}
	}
	caller := o.caller.PublicKey()

	quote, err := o.quoter.Quote(ctx, jupiter.QuoteRequest{
		InputMint:   collateral.Mint,
		OutputMint:  loan.Mint,
		Amount:      req.AmountLoanBaseUnits,
		SlippageBps: SlippageBps,
		SwapMode:    jupiter.SwapModeExactOut,
	})
	if err != nil {
		return "", &PhaseError{Phase: PhaseQuote, Err: err}
	}
	padded, err := PaddedAmount(quote.InAmount, SlippageBps)
	if err != nil {
		return "", &PhaseError{Phase: PhaseQuote, Err: err}
	}

	swap, err := o.quoter.SwapInstructions(ctx, quote, caller)
	if err != nil {
		return "", &PhaseError{Phase: PhaseAssemble, Err: err}
	}
	set, err := o.repayer.CollateralRepayInstructions(ctx, quartz.CollateralRepayRequest{
		Caller:                caller,
		Owner:                 req.Owner,
		LoanMarketIndex:       req.LoanMarketIndex,
		CollateralMarketIndex: req.CollateralMarketIndex,
		Swap:                  swap.All(),
	})
	if err != nil {
		return "", &PhaseError{Phase: PhaseAssemble, Err: err}
	}

	account, err := o.lender.FindAccount(ctx, caller)
	if err != nil {
		return "", &PhaseError{Phase: PhaseLoanWrap, Err: err}
	}
	bank, err := o.lender.FindBank(ctx, collateral.Mint)
	if err != nil {
		return "", &PhaseError{Phase: PhaseLoanWrap, Err: err}
	}
	// setup runs between the budget and start_flashloan; end_index counts it
	wrapped, err := o.lender.WrapFlashLoan(ctx, account, bank, padded, set.Instructions, budgetInstructions+len(set.Setup))
	if err != nil {
		return "", &PhaseError{Phase: PhaseLoanWrap, Err: err}
	}

	full := quartz.InstructionSet{
		Setup:        set.Setup,
		Instructions: wrapped,
		LookupTables: append(append([]solana.PublicKey(nil), set.LookupTables...), swap.LookupTables...),
		Signers:      append(append([]solana.PrivateKey(nil), set.Signers...), o.caller),
	}
	tx, err := o.assembler.BuildWithBudget(ctx, full, caller, ComputeUnitLimit, ComputeUnitPrice)
	if err != nil {
		return "", &PhaseError{Phase: PhaseSign, Err: err}
	}
	encoded, err := txbuild.Serialize(tx)
	if err != nil {
		return "", &PhaseError{Phase: PhaseSerialize, Err: err}
	}

	o.logger.Info("collateral repay built",
		"owner", req.Owner.String(),
		"loan_market", req.LoanMarketIndex,
		"collateral_market", req.CollateralMarketIndex,
		"amount_loan", req.AmountLoanBaseUnits,
		"quote_in", quote.InAmount,
		"flash_loan", padded,
	)
	return encoded, nil
}

// PaddedAmount is ceil(amount * (10000 + bps) / 10000).
func PaddedAmount(amount uint64, bps uint64) (uint64, error) {
	numerator := new(big.Int).SetUint64(amount)
	numerator.Mul(numerator, new(big.Int).SetUint64(10_000+bps))
	denominator := big.NewInt(10_000)
	quotient, remainder := new(big.Int).QuoRem(numerator, denominator, new(big.Int))
	if remainder.Sign() > 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	if !quotient.IsUint64() {
		return 0, fmt.Errorf("padded amount of %d overflows", amount)
	}
	return quotient.Uint64(), nil
}
