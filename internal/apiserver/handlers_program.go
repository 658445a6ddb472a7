package apiserver

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/flashloan"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/txbuild"
	"golang.org/x/sync/errgroup"
)

type transactionResponse struct {
	Transaction string `json:"transaction"`
}

// respondTransaction compiles set with owner paying fees and returns it
// unsigned by the owner.
func (s *Service) respondTransaction(w http.ResponseWriter, r *http.Request, owner solana.PublicKey, set quartz.InstructionSet) {
	tx, err := s.deps.Assembler.Build(r.Context(), set, owner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	encoded, err := txbuild.Serialize(tx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, transactionResponse{Transaction: encoded})
}

func (s *Service) hasBetaKey(ctx context.Context, owner solana.PublicKey) (bool, error) {
	if !s.cfg.RequireBetaKey || s.deps.BetaKeys == nil {
		return true, nil
	}
	return s.deps.BetaKeys.HasBetaKey(ctx, owner)
}

// walletState reads beta-key access and vault status of owner concurrently.
func (s *Service) walletState(ctx context.Context, owner solana.PublicKey) (bool, quartz.VaultStatus, error) {
	var (
		allowed bool
		status  quartz.VaultStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		allowed, err = s.hasBetaKey(gctx, owner)
		return err
	})
	g.Go(func() error {
		var err error
		status, err = s.deps.Quartz.VaultStatus(gctx, owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, "", err
	}
	return allowed, status, nil
}

func (s *Service) handleBuildInitAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limits, err := requireSpendLimits(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limits.Now = s.deps.Now()

	allowed, status, err := s.walletState(r.Context(), owner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !allowed {
		s.respondError(w, r, &Error{Status: http.StatusForbidden, Message: "A beta key is required to open an account"})
		return
	}
	if status != quartz.VaultNotInitialized {
		s.respondError(w, r, badRequest("Account already exists"))
		return
	}

	set, err := s.deps.Quartz.InitUserInstructions(owner, limits)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondTransaction(w, r, owner, set)
}

func (s *Service) handleBuildDeposit(w http.ResponseWriter, r *http.Request) {
	owner, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	amount, err := requireAmount(r, "amountBaseUnits")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	index, err := requireMarketIndex(r, "marketIndex")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	repayingLoan, err := optionalBool(r, "repayingLoan", false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.requireUser(r.Context(), owner); err != nil {
		s.respondError(w, r, err)
		return
	}

	set, err := s.deps.Quartz.DepositInstructions(r.Context(), owner, index, amount, repayingLoan)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondTransaction(w, r, owner, set)
}

func (s *Service) handleBuildWithdraw(w http.ResponseWriter, r *http.Request) {
	owner, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	index, err := requireMarketIndex(r, "marketIndex")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	allowLoan, err := optionalBool(r, "allowLoan", false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	useMax, err := optionalBool(r, "useMaxAmount", false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var amount uint64
	if useMax {
		user, prices, err := s.loadPricedUser(r.Context(), owner, index)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		limit, err := user.WithdrawLimit(index, prices)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if limit.Sign() <= 0 {
			s.respondError(w, r, badRequest("Nothing to withdraw from market %d", index))
			return
		}
		if !limit.IsUint64() {
			limit = new(big.Int).SetUint64(^uint64(0))
		}
		amount = limit.Uint64()
	} else {
		amount, err = requireAmount(r, "amountBaseUnits")
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if err := s.requireUser(r.Context(), owner); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	set, err := s.deps.Quartz.WithdrawInstructions(r.Context(), owner, index, amount, !allowLoan)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondTransaction(w, r, owner, set)
}

func (s *Service) handleBuildSpendLimit(w http.ResponseWriter, r *http.Request) {
	owner, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limits, err := requireSpendLimits(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limits.Now = s.deps.Now()
	if err := s.requireUser(r.Context(), owner); err != nil {
		s.respondError(w, r, err)
		return
	}

	set, err := s.deps.Quartz.SpendLimitInstructions(owner, limits)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondTransaction(w, r, owner, set)
}

func (s *Service) handleBuildUpgradeAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limits, err := requireSpendLimits(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limits.Now = s.deps.Now()

	status, err := s.deps.Quartz.VaultStatus(r.Context(), owner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if status != quartz.VaultUpgradeRequired {
		s.respondError(w, r, badRequest("Account does not need an upgrade"))
		return
	}

	set, err := s.deps.Quartz.UpgradeVaultInstructions(owner, limits)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondTransaction(w, r, owner, set)
}

func (s *Service) handleBuildCloseAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.requireUser(r.Context(), owner); err != nil {
		s.respondError(w, r, err)
		return
	}
	set, err := s.deps.Quartz.CloseUserInstructions(owner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondTransaction(w, r, owner, set)
}

func (s *Service) handleBuildCollateralRepay(w http.ResponseWriter, r *http.Request) {
	owner, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	amount, err := requireAmount(r, "amountLoanBaseUnits")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	loanIndex, err := requireMarketIndex(r, "marketIndexLoan")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	collateralIndex, err := requireMarketIndex(r, "marketIndexCollateral")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if loanIndex == collateralIndex {
		s.respondError(w, r, badRequest("marketIndexLoan and marketIndexCollateral must differ"))
		return
	}
	if err := s.requireUser(r.Context(), owner); err != nil {
		s.respondError(w, r, err)
		return
	}

	encoded, err := s.deps.Repayer.BuildCollateralRepay(r.Context(), flashloan.Request{
		Owner:                 owner,
		LoanMarketIndex:       loanIndex,
		CollateralMarketIndex: collateralIndex,
		AmountLoanBaseUnits:   amount,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, transactionResponse{Transaction: encoded})
}

// requireUser fails with quartz.ErrUserNotFound when owner has no vault.
func (s *Service) requireUser(ctx context.Context, owner solana.PublicKey) error {
	_, err := s.deps.Quartz.LoadUser(ctx, owner)
	return err
}

// AccountStatus extends the vault states with the wallet-side ones.
type AccountStatus string

const (
	AccountDisconnected AccountStatus = "DISCONNECTED"
	AccountNoBetaKey    AccountStatus = "NO_BETA_KEY"
)

type accountStatusResponse struct {
	Status AccountStatus `json:"status"`
}

func (s *Service) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	if queryValue(r, "wallet") == "" {
		s.respondJSON(w, http.StatusOK, accountStatusResponse{Status: AccountDisconnected})
		return
	}
	wallet, err := requireAddress(r, "wallet")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	allowed, status, err := s.walletState(r.Context(), wallet)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !allowed {
		s.respondJSON(w, http.StatusOK, accountStatusResponse{Status: AccountNoBetaKey})
		return
	}
	s.respondJSON(w, http.StatusOK, accountStatusResponse{Status: AccountStatus(status)})
}

type sendRequest struct {
	Transaction   string `json:"transaction"`
	SkipPreflight bool   `json:"skipPreflight"`
}

type sendResponse struct {
	Signature string `json:"signature"`
}

func (s *Service) handleSendTransaction(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Transaction) == "" {
		s.respondError(w, r, badRequest("transaction is required"))
		return
	}
	tx, err := txbuild.Deserialize(strings.TrimSpace(req.Transaction))
	if err != nil {
		s.respondError(w, r, &Error{Status: http.StatusBadRequest, Message: "Invalid transaction", Err: err})
		return
	}

	signature, err := s.deps.Sender.SendTransaction(r.Context(), tx, req.SkipPreflight, nil)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("transaction sent", "signature", signature.String(), "skip_preflight", req.SkipPreflight, "request_id", requestIDFrom(r.Context()))
	s.respondJSON(w, http.StatusOK, sendResponse{Signature: signature.String()})
}

func (s *Service) handleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	raw := queryValue(r, "signature")
	if raw == "" {
		s.respondError(w, r, badRequest("signature is required"))
		return
	}
	signature, err := solana.SignatureFromBase58(raw)
	if err != nil {
		s.respondError(w, r, badRequest("Invalid signature"))
		return
	}

	// no transaction can outlive the newest blockhash, so its last valid
	// height bounds the wait
	blockhash, err := s.deps.Blockhashes.LatestBlockhash(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.deps.Confirmer.Confirm(r.Context(), signature, blockhash.LastValidBlockHeight)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if result.Timeout {
		s.respondJSON(w, http.StatusNotFound, result)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}
