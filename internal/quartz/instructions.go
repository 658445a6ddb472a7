package quartz

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/pyra-labs/protocol-api-sub000/internal/market"
	"github.com/pyra-labs/protocol-api-sub000/internal/timeframe"
)

// InstructionSet is an ordered instruction list plus what the assembler needs
// to compile and partially sign it.
type InstructionSet struct {
	// Setup runs ahead of Instructions, e.g. token account creation that a
	// flash loan bracket must not enclose.
	Setup        []solana.Instruction
	Instructions []solana.Instruction
	LookupTables []solana.PublicKey
	// Signers are server-generated keys that must sign before the set leaves
	// the process. The fee payer is never among them.
	Signers []solana.PrivateKey
}

func (s *InstructionSet) Add(instructions ...solana.Instruction) {
	s.Instructions = append(s.Instructions, instructions...)
}

// SpendLimitParams are the user-chosen caps; Now anchors the next reset.
type SpendLimitParams struct {
	PerTransaction uint64
	PerTimeframe   uint64
	Timeframe      timeframe.Timeframe
	Now            time.Time
}

type spendLimitArgs struct {
	SpendLimitPerTransaction    uint64
	SpendLimitPerTimeframe      uint64
	TimeframeInSeconds          uint64
	NextTimeframeResetTimestamp uint64
}

func (p SpendLimitParams) args() (spendLimitArgs, error) {
	if p.PerTransaction > p.PerTimeframe {
		return spendLimitArgs{}, fmt.Errorf("%w: per-transaction limit exceeds timeframe limit", ErrInvalidParams)
	}
	seconds, err := p.Timeframe.Seconds()
	if err != nil {
		return spendLimitArgs{}, err
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	next, err := timeframe.NextReset(p.Timeframe, now)
	if err != nil {
		return spendLimitArgs{}, err
	}
	return spendLimitArgs{
		SpendLimitPerTransaction:    p.PerTransaction,
		SpendLimitPerTimeframe:      p.PerTimeframe,
		TimeframeInSeconds:          uint64(seconds),
		NextTimeframeResetTimestamp: uint64(next),
	}, nil
}

type depositArgs struct {
	AmountBaseUnits uint64
	MarketIndex     uint16
	ReduceOnly      bool
}

type withdrawArgs struct {
	AmountBaseUnits uint64
	MarketIndex     uint16
	ReduceOnly      bool
}

type marketIndexArgs struct {
	MarketIndex uint16
}

func InstructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func encodeInstruction(name string, args any) ([]byte, error) {
	discriminator := InstructionDiscriminator(name)
	var buf bytes.Buffer
	buf.Write(discriminator[:])
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode %s args: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

func (c *Client) instruction(name string, args any, accounts ...*solana.AccountMeta) (solana.Instruction, error) {
	data, err := encodeInstruction(name, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(c.programID, accounts, data), nil
}

func (c *Client) newSet() InstructionSet {
	return InstructionSet{LookupTables: append([]solana.PublicKey(nil), c.lookupTables...)}
}

func (c *Client) InitUserInstructions(owner solana.PublicKey, limits SpendLimitParams) (InstructionSet, error) {
	args, err := limits.args()
	if err != nil {
		return InstructionSet{}, err
	}
	ix, err := c.instruction("init_user", args,
		solana.Meta(c.vaultPDA(owner)).WRITE(),
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set := c.newSet()
	set.Add(ix)
	return set, nil
}

func (c *Client) SpendLimitInstructions(owner solana.PublicKey, limits SpendLimitParams) (InstructionSet, error) {
	args, err := limits.args()
	if err != nil {
		return InstructionSet{}, err
	}
	ix, err := c.instruction("update_spend_limits", args,
		solana.Meta(c.vaultPDA(owner)).WRITE(),
		solana.Meta(owner).SIGNER(),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set := c.newSet()
	set.Add(ix)
	return set, nil
}

// UpgradeVaultInstructions reallocates a legacy vault and sets its first
// spend limits in the same instruction.
func (c *Client) UpgradeVaultInstructions(owner solana.PublicKey, limits SpendLimitParams) (InstructionSet, error) {
	args, err := limits.args()
	if err != nil {
		return InstructionSet{}, err
	}
	ix, err := c.instruction("upgrade_vault", args,
		solana.Meta(c.vaultPDA(owner)).WRITE(),
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set := c.newSet()
	set.Add(ix)
	return set, nil
}

func (c *Client) CloseUserInstructions(owner solana.PublicKey) (InstructionSet, error) {
	ix, err := c.instruction("close_user", nil,
		solana.Meta(c.vaultPDA(owner)).WRITE(),
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set := c.newSet()
	set.Add(ix)
	return set, nil
}

// DepositInstructions moves amount base units from the owner's wallet into
// the vault. SOL is wrapped into a temporary token account first and that
// account is closed again at the end.
func (c *Client) DepositInstructions(ctx context.Context, owner solana.PublicKey, marketIndex uint16, amount uint64, reduceOnly bool) (InstructionSet, error) {
	asset, err := market.Lookup(marketIndex)
	if err != nil {
		return InstructionSet{}, err
	}
	if amount == 0 {
		return InstructionSet{}, fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	ownerSpl, _, err := solana.FindAssociatedTokenAddress(owner, asset.Mint)
	if err != nil {
		return InstructionSet{}, fmt.Errorf("derive owner token account: %w", err)
	}
	missing, err := c.missingAccounts(ctx, ownerSpl)
	if err != nil {
		return InstructionSet{}, err
	}
	createOwnerSpl := missing[ownerSpl]
	if createOwnerSpl && !asset.IsNativeSOL() {
		return InstructionSet{}, fmt.Errorf("%w: owner has no %s token account", ErrInvalidParams, asset.Symbol)
	}

	set := c.newSet()
	if createOwnerSpl {
		ix, err := associatedtokenaccount.NewCreateInstruction(owner, owner, asset.Mint).ValidateAndBuild()
		if err != nil {
			return InstructionSet{}, fmt.Errorf("build create token account: %w", err)
		}
		set.Add(ix)
	}
	if asset.IsNativeSOL() {
		transfer, err := system.NewTransferInstruction(amount, owner, ownerSpl).ValidateAndBuild()
		if err != nil {
			return InstructionSet{}, fmt.Errorf("build wrap transfer: %w", err)
		}
		sync, err := token.NewSyncNativeInstruction(ownerSpl).ValidateAndBuild()
		if err != nil {
			return InstructionSet{}, fmt.Errorf("build sync native: %w", err)
		}
		set.Add(transfer, sync)
	}

	vault := c.vaultPDA(owner)
	vaultSpl, _, err := solana.FindAssociatedTokenAddress(vault, asset.Mint)
	if err != nil {
		return InstructionSet{}, fmt.Errorf("derive vault token account: %w", err)
	}
	deposit, err := c.instruction("deposit", depositArgs{AmountBaseUnits: amount, MarketIndex: marketIndex, ReduceOnly: reduceOnly},
		solana.Meta(vault).WRITE(),
		solana.Meta(vaultSpl).WRITE(),
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(ownerSpl).WRITE(),
		solana.Meta(c.positionPDA(vault, marketIndex)).WRITE(),
		solana.Meta(c.marketPDA(marketIndex)).WRITE(),
		solana.Meta(asset.Mint),
		solana.Meta(asset.TokenProgram),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set.Add(deposit)

	if asset.IsNativeSOL() && createOwnerSpl {
		closeIx, err := token.NewCloseAccountInstruction(ownerSpl, owner, owner, nil).ValidateAndBuild()
		if err != nil {
			return InstructionSet{}, fmt.Errorf("build close wrapped SOL: %w", err)
		}
		set.Add(closeIx)
	}
	return set, nil
}

// WithdrawInstructions opens a time-lock withdraw order. The order account is
// a fresh keypair that signs here; the keeper fulfils it once released.
// Native SOL is paid out to the wallet itself, everything else to the
// owner's token account, which is created first when missing.
func (c *Client) WithdrawInstructions(ctx context.Context, owner solana.PublicKey, marketIndex uint16, amount uint64, reduceOnly bool) (InstructionSet, error) {
	asset, err := market.Lookup(marketIndex)
	if err != nil {
		return InstructionSet{}, err
	}
	if amount == 0 {
		return InstructionSet{}, fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}

	set := c.newSet()
	destination := owner
	if !asset.IsNativeSOL() {
		ownerSpl, _, err := solana.FindAssociatedTokenAddress(owner, asset.Mint)
		if err != nil {
			return InstructionSet{}, fmt.Errorf("derive owner token account: %w", err)
		}
		missing, err := c.missingAccounts(ctx, ownerSpl)
		if err != nil {
			return InstructionSet{}, err
		}
		if missing[ownerSpl] {
			ix, err := associatedtokenaccount.NewCreateInstruction(owner, owner, asset.Mint).ValidateAndBuild()
			if err != nil {
				return InstructionSet{}, fmt.Errorf("build create token account: %w", err)
			}
			set.Add(ix)
		}
		destination = ownerSpl
	}

	order, err := solana.NewRandomPrivateKey()
	if err != nil {
		return InstructionSet{}, fmt.Errorf("generate withdraw order key: %w", err)
	}
	ix, err := c.instruction("initiate_withdraw", withdrawArgs{AmountBaseUnits: amount, MarketIndex: marketIndex, ReduceOnly: reduceOnly},
		solana.Meta(c.vaultPDA(owner)).WRITE(),
		solana.Meta(owner).WRITE().SIGNER(),
		solana.Meta(order.PublicKey()).WRITE().SIGNER(),
		solana.Meta(owner).WRITE(),
		solana.Meta(destination),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set.Add(ix)
	set.Signers = append(set.Signers, order)
	return set, nil
}

// FulfilWithdrawInstructions pays out a released order. caller pays fees and
// the order rent goes back to whoever funded it.
func (c *Client) FulfilWithdrawInstructions(caller solana.PublicKey, orderAddress solana.PublicKey, order WithdrawOrder) (InstructionSet, error) {
	asset, err := market.Lookup(order.MarketIndex)
	if err != nil {
		return InstructionSet{}, err
	}
	vault := c.vaultPDA(order.Owner)
	vaultSpl, _, err := solana.FindAssociatedTokenAddress(vault, asset.Mint)
	if err != nil {
		return InstructionSet{}, fmt.Errorf("derive vault token account: %w", err)
	}
	rentPayer := caller
	if order.IsOwnerPayer {
		rentPayer = order.Owner
	}
	ix, err := c.instruction("fulfil_withdraw", nil,
		solana.Meta(orderAddress).WRITE(),
		solana.Meta(rentPayer).WRITE(),
		solana.Meta(caller).WRITE().SIGNER(),
		solana.Meta(vault).WRITE(),
		solana.Meta(vaultSpl).WRITE(),
		solana.Meta(order.Owner).WRITE(),
		solana.Meta(order.Destination).WRITE(),
		solana.Meta(c.positionPDA(vault, order.MarketIndex)).WRITE(),
		solana.Meta(c.marketPDA(order.MarketIndex)).WRITE(),
		solana.Meta(asset.Mint),
		solana.Meta(asset.TokenProgram),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.SystemProgramID),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set := c.newSet()
	set.Add(ix)
	return set, nil
}

// CollateralRepayRequest describes one repay-with-collateral round trip run
// by caller on behalf of owner. Swap holds the aggregator instructions that
// turn the withdrawn collateral into the loan asset.
type CollateralRepayRequest struct {
	Caller                solana.PublicKey
	Owner                 solana.PublicKey
	LoanMarketIndex       uint16
	CollateralMarketIndex uint16
	Swap                  []solana.Instruction
}

// CollateralRepayInstructions returns start, swap, deposit, withdraw. Token
// accounts of the caller that do not exist yet are created in Setup.
func (c *Client) CollateralRepayInstructions(ctx context.Context, req CollateralRepayRequest) (InstructionSet, error) {
	if req.LoanMarketIndex == req.CollateralMarketIndex {
		return InstructionSet{}, fmt.Errorf("%w: loan and collateral markets must differ", ErrInvalidParams)
	}
	loan, err := market.Lookup(req.LoanMarketIndex)
	if err != nil {
		return InstructionSet{}, err
	}
	collateral, err := market.Lookup(req.CollateralMarketIndex)
	if err != nil {
		return InstructionSet{}, err
	}

	callerLoanSpl, _, err := solana.FindAssociatedTokenAddress(req.Caller, loan.Mint)
	if err != nil {
		return InstructionSet{}, fmt.Errorf("derive caller token account: %w", err)
	}
	callerCollateralSpl, _, err := solana.FindAssociatedTokenAddress(req.Caller, collateral.Mint)
	if err != nil {
		return InstructionSet{}, fmt.Errorf("derive caller token account: %w", err)
	}
	missing, err := c.missingAccounts(ctx, callerLoanSpl, callerCollateralSpl)
	if err != nil {
		return InstructionSet{}, err
	}

	set := c.newSet()
	for _, pair := range []struct {
		account solana.PublicKey
		mint    solana.PublicKey
	}{{callerLoanSpl, loan.Mint}, {callerCollateralSpl, collateral.Mint}} {
		if !missing[pair.account] {
			continue
		}
		ix, err := associatedtokenaccount.NewCreateInstruction(req.Caller, req.Caller, pair.mint).ValidateAndBuild()
		if err != nil {
			return InstructionSet{}, fmt.Errorf("build create token account: %w", err)
		}
		set.Setup = append(set.Setup, ix)
	}

	vault := c.vaultPDA(req.Owner)
	ledger := c.ledgerPDA(req.Owner)
	start, err := c.instruction("start_collateral_repay", nil,
		solana.Meta(req.Caller).WRITE().SIGNER(),
		solana.Meta(callerLoanSpl),
		solana.Meta(callerCollateralSpl),
		solana.Meta(req.Owner),
		solana.Meta(vault),
		solana.Meta(ledger).WRITE(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.SysVarInstructionsPubkey),
	)
	if err != nil {
		return InstructionSet{}, err
	}
	set.Add(start)
	set.Add(req.Swap...)

	deposit, err := c.repayLeg("deposit_collateral_repay", req, vault, ledger, loan, callerLoanSpl)
	if err != nil {
		return InstructionSet{}, err
	}
	withdraw, err := c.repayLeg("withdraw_collateral_repay", req, vault, ledger, collateral, callerCollateralSpl)
	if err != nil {
		return InstructionSet{}, err
	}
	set.Add(deposit, withdraw)
	return set, nil
}

func (c *Client) repayLeg(name string, req CollateralRepayRequest, vault, ledger solana.PublicKey, asset market.Asset, callerSpl solana.PublicKey) (solana.Instruction, error) {
	vaultSpl, _, err := solana.FindAssociatedTokenAddress(vault, asset.Mint)
	if err != nil {
		return nil, fmt.Errorf("derive vault token account: %w", err)
	}
	return c.instruction(name, marketIndexArgs{MarketIndex: asset.Index},
		solana.Meta(req.Caller).WRITE().SIGNER(),
		solana.Meta(callerSpl).WRITE(),
		solana.Meta(req.Owner),
		solana.Meta(vault).WRITE(),
		solana.Meta(vaultSpl).WRITE(),
		solana.Meta(asset.Mint),
		solana.Meta(c.positionPDA(vault, asset.Index)).WRITE(),
		solana.Meta(c.marketPDA(asset.Index)).WRITE(),
		solana.Meta(ledger).WRITE(),
		solana.Meta(asset.TokenProgram),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.SysVarInstructionsPubkey),
	)
}

func (c *Client) missingAccounts(ctx context.Context, addresses ...solana.PublicKey) (map[solana.PublicKey]bool, error) {
	accounts, err := c.chain.Accounts(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("load token accounts: %w", err)
	}
	missing := make(map[solana.PublicKey]bool, len(addresses))
	for i, address := range addresses {
		missing[address] = i >= len(accounts) || accounts[i] == nil
	}
	return missing, nil
}
