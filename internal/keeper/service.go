package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/chain"
	"github.com/pyra-labs/protocol-api-sub000/internal/config"
	"github.com/pyra-labs/protocol-api-sub000/internal/confirm"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/store"
	"github.com/pyra-labs/protocol-api-sub000/internal/txbuild"
)

var errSkipOrder = errors.New("skip order")

type Chain interface {
	Slot(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, skipPreflight bool, maxRetries *uint) (solana.Signature, error)
	LatestBlockhash(ctx context.Context) (chain.Blockhash, error)
}

type Orders interface {
	WithdrawOrders(ctx context.Context) ([]quartz.KeyedWithdrawOrder, error)
	FulfilWithdrawInstructions(caller solana.PublicKey, orderAddress solana.PublicKey, order quartz.WithdrawOrder) (quartz.InstructionSet, error)
}

type Assembler interface {
	Build(ctx context.Context, set quartz.InstructionSet, feePayer solana.PublicKey) (*solana.Transaction, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) (confirm.Result, error)
}

// Recorder persists fulfilled orders. Optional.
type Recorder interface {
	RecordFulfilledOrder(ctx context.Context, order store.FulfilledOrder, slot uint64) error
}

type Service struct {
	cfg       config.KeeperConfig
	chain     Chain
	orders    Orders
	assembler Assembler
	confirmer Confirmer
	recorder  Recorder
	signer    solana.PrivateKey
	logger    *slog.Logger
	close     func() error
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	chainClient, err := chain.New(cfg.Chain, logger)
	if err != nil {
		return nil, fmt.Errorf("init chain client: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		chain:     chainClient,
		orders:    quartz.NewClient(chainClient, cfg.Programs.QuartzProgramID, cfg.Programs.LookupTables),
		assembler: txbuild.NewBuilder(chainClient, cfg.ComputeUnitLimit, cfg.ComputeUnitPriceMicroLamports),
		confirmer: confirm.NewConfirmer(chainClient, chainClient.WebsocketURL(), cfg.Chain.Commitment, cfg.TxTimeout, logger.With("component", "confirm")),
		signer:    signer,
		logger:    logger,
	}
	if cfg.DBDSN != "" {
		db, err := store.NewStore(cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("init keeper store: %w", err)
		}
		s.recorder = db
		s.close = db.Close
	}
	return s, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if s.close == nil {
			return
		}
		if err := s.close(); err != nil {
			s.logger.Error("failed to close keeper store", "err", err)
		}
	}()

	s.logger.Info("keeper started",
		"rpc_endpoints", len(s.cfg.Chain.RPCURLs),
		"commitment", s.cfg.Chain.Commitment,
		"caller", s.signer.PublicKey(),
		"quartz_program", s.cfg.Programs.QuartzProgramID,
		"poll_interval", s.cfg.PollInterval,
		"store", s.recorder != nil,
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

// tick fulfils released orders, oldest release slot first, up to
// MaxOrdersPerTick of them.
func (s *Service) tick(ctx context.Context) error {
	slot, err := s.chain.Slot(ctx)
	if err != nil {
		return fmt.Errorf("current slot: %w", err)
	}
	orders, err := s.orders.WithdrawOrders(ctx)
	if err != nil {
		return err
	}

	released := make([]quartz.KeyedWithdrawOrder, 0, len(orders))
	for _, candidate := range orders {
		if candidate.Order.ReleaseSlot <= slot {
			released = append(released, candidate)
		}
	}
	if len(released) == 0 {
		return nil
	}

	limit := len(released)
	if s.cfg.MaxOrdersPerTick > 0 && s.cfg.MaxOrdersPerTick < limit {
		limit = s.cfg.MaxOrdersPerTick
	}

	fulfilled := 0
	skipped := 0
	failed := 0
	for _, candidate := range released[:limit] {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.fulfil(ctx, candidate, slot)
		switch {
		case err == nil:
			fulfilled++
		case errors.Is(err, errSkipOrder):
			skipped++
			s.logger.Warn("withdraw order skipped", "order", candidate.Address, "reason", err)
		default:
			failed++
			s.logger.Warn("withdraw order fulfilment failed", "order", candidate.Address, "owner", candidate.Order.Owner, "err", err)
		}
	}

	s.logger.Info("keeper tick complete",
		"slot", slot,
		"open_orders", len(orders),
		"released", len(released),
		"attempted", limit,
		"fulfilled", fulfilled,
		"skipped", skipped,
		"failed", failed,
	)
	return nil
}

func (s *Service) fulfil(ctx context.Context, candidate quartz.KeyedWithdrawOrder, slot uint64) error {
	set, err := s.orders.FulfilWithdrawInstructions(s.signer.PublicKey(), candidate.Address, candidate.Order)
	if err != nil {
		return fmt.Errorf("%w: %v", errSkipOrder, err)
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	tx, err := s.assembler.Build(txCtx, set, s.signer.PublicKey())
	if err != nil {
		return fmt.Errorf("build fulfil_withdraw: %w", err)
	}
	if err := txbuild.Sign(tx, s.signer); err != nil {
		return err
	}
	signature, err := s.chain.SendTransaction(txCtx, tx, s.cfg.SkipPreflight, s.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("send fulfil_withdraw: %w", err)
	}

	// fetched after the build, so it is at least as new as the transaction's
	var lastValid uint64
	if blockhash, err := s.chain.LatestBlockhash(txCtx); err == nil {
		lastValid = blockhash.LastValidBlockHeight
	} else {
		s.logger.Warn("latest blockhash unavailable, confirming without height bound", "signature", signature, "err", err)
	}
	result, err := s.confirmer.Confirm(txCtx, signature, lastValid)
	if err != nil {
		return fmt.Errorf("confirm fulfil_withdraw %s: %w", signature, err)
	}
	if result.Timeout {
		return fmt.Errorf("confirm fulfil_withdraw %s: timed out", signature)
	}
	if !result.Success {
		return fmt.Errorf("fulfil_withdraw %s failed: %s", signature, result.Error)
	}

	s.logger.Info("withdraw order fulfilled",
		"order", candidate.Address,
		"owner", candidate.Order.Owner,
		"market_index", candidate.Order.MarketIndex,
		"amount", candidate.Order.Amount,
		"signature", signature,
	)

	if s.recorder == nil {
		return nil
	}
	// the order already landed; a store failure must not make it look failed
	if err := s.recorder.RecordFulfilledOrder(ctx, store.FulfilledOrder{
		Order:       candidate.Address,
		Owner:       candidate.Order.Owner,
		MarketIndex: candidate.Order.MarketIndex,
		Amount:      candidate.Order.Amount,
		ReleaseSlot: candidate.Order.ReleaseSlot,
		Signature:   signature,
	}, slot); err != nil {
		s.logger.Error("failed to record fulfilled order", "order", candidate.Address, "signature", signature, "err", err)
	}
	return nil
}
