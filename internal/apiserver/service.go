package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/pyra-labs/protocol-api-sub000/internal/betakey"
	"github.com/pyra-labs/protocol-api-sub000/internal/chain"
	"github.com/pyra-labs/protocol-api-sub000/internal/config"
	"github.com/pyra-labs/protocol-api-sub000/internal/confirm"
	"github.com/pyra-labs/protocol-api-sub000/internal/flashloan"
	"github.com/pyra-labs/protocol-api-sub000/internal/jupiter"
	"github.com/pyra-labs/protocol-api-sub000/internal/mailer"
	"github.com/pyra-labs/protocol-api-sub000/internal/marginfi"
	"github.com/pyra-labs/protocol-api-sub000/internal/market"
	"github.com/pyra-labs/protocol-api-sub000/internal/prices"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/retry"
	"github.com/pyra-labs/protocol-api-sub000/internal/store"
	"github.com/pyra-labs/protocol-api-sub000/internal/txbuild"
)

// Quartz is the program adapter surface the handlers use.
type Quartz interface {
	LoadUser(ctx context.Context, owner solana.PublicKey) (*quartz.User, error)
	ListUsers(ctx context.Context) ([]solana.PublicKey, error)
	Markets(ctx context.Context, indices []uint16) (map[uint16]quartz.Market, error)
	VaultStatus(ctx context.Context, owner solana.PublicKey) (quartz.VaultStatus, error)
	InitUserInstructions(owner solana.PublicKey, limits quartz.SpendLimitParams) (quartz.InstructionSet, error)
	SpendLimitInstructions(owner solana.PublicKey, limits quartz.SpendLimitParams) (quartz.InstructionSet, error)
	UpgradeVaultInstructions(owner solana.PublicKey, limits quartz.SpendLimitParams) (quartz.InstructionSet, error)
	CloseUserInstructions(owner solana.PublicKey) (quartz.InstructionSet, error)
	DepositInstructions(ctx context.Context, owner solana.PublicKey, marketIndex uint16, amount uint64, reduceOnly bool) (quartz.InstructionSet, error)
	WithdrawInstructions(ctx context.Context, owner solana.PublicKey, marketIndex uint16, amount uint64, reduceOnly bool) (quartz.InstructionSet, error)
}

type Assembler interface {
	Build(ctx context.Context, set quartz.InstructionSet, feePayer solana.PublicKey) (*solana.Transaction, error)
}

type Sender interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction, skipPreflight bool, maxRetries *uint) (solana.Signature, error)
}

type CollateralRepayer interface {
	BuildCollateralRepay(ctx context.Context, req flashloan.Request) (string, error)
}

type BetaKeyChecker interface {
	HasBetaKey(ctx context.Context, wallet solana.PublicKey) (bool, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) (confirm.Result, error)
}

type Blockhashes interface {
	LatestBlockhash(ctx context.Context) (chain.Blockhash, error)
}

type Waitlist interface {
	AddToWaitlist(ctx context.Context, entry store.WaitlistEntry) (bool, error)
}

type WelcomeMailer interface {
	SendWelcome(ctx context.Context, email string, name string) error
}

// Dependencies are constructed once per process and shared by every request.
// Waitlist and Welcome are optional.
type Dependencies struct {
	Quartz    Quartz
	Assembler Assembler
	Sender    Sender
	Repayer   CollateralRepayer
	BetaKeys  BetaKeyChecker
	Confirmer Confirmer
	// Blockhashes bounds confirmation by block height.
	Blockhashes Blockhashes
	Rates       *market.RateService
	Prices      *prices.Service
	Waitlist    Waitlist
	Welcome     WelcomeMailer
	Now         func() time.Time
	// Close releases what the dependencies hold open.
	Close func() error
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	deps             Dependencies
	limiter          *rateLimiter
	metrics          *metrics
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

// New wires the production dependencies from cfg. mail may be nil.
func New(cfg config.APIServerConfig, logger *slog.Logger, mail *mailer.Mailer) (*Service, error) {
	chainClient, err := chain.New(cfg.Chain, logger)
	if err != nil {
		return nil, fmt.Errorf("init chain client: %w", err)
	}
	upstreamPolicy := retry.Policy{
		MaxAttempts:  cfg.Chain.Retry.MaxAttempts,
		InitialDelay: cfg.Chain.Retry.InitialDelay,
		MaxDelay:     cfg.Chain.Retry.MaxDelay,
	}

	quartzClient := quartz.NewClient(chainClient, cfg.Programs.QuartzProgramID, cfg.Programs.LookupTables)
	builder := txbuild.NewBuilder(chainClient, cfg.ComputeUnitLimit, cfg.ComputeUnitPriceMicroLamports)

	jupiterPolicy := upstreamPolicy
	jupiterPolicy.Classify = jupiter.Classify
	repayer := flashloan.NewOrchestrator(
		jupiter.NewClient(cfg.JupiterAPIURL, cfg.UpstreamTimeout, jupiterPolicy),
		quartzClient,
		marginfi.NewClient(chainClient, cfg.Programs.MarginfiProgramID, cfg.Programs.MarginfiGroup),
		builder,
		cfg.FlashLoanCaller,
		logger.With("component", "flashloan"),
	)

	pricePolicy := upstreamPolicy
	pricePolicy.Classify = prices.Classify
	coinGecko := prices.NewCoinGecko(cfg.CoinGeckoAPIURL, cfg.CoinGeckoAPIKey, cfg.UpstreamTimeout, pricePolicy)

	deps := Dependencies{
		Quartz:      quartzClient,
		Assembler:   builder,
		Sender:      chainClient,
		Repayer:     repayer,
		BetaKeys:    betakey.NewChecker(chainClient, cfg.BetaKeyCollection),
		Confirmer:   confirm.NewConfirmer(chainClient, chainClient.WebsocketURL(), cfg.Chain.Commitment, cfg.TxConfirmTimeout, logger.With("component", "confirm")),
		Blockhashes: chainClient,
		Rates:       market.NewRateService(quartzClient, cfg.CacheTTL),
		Prices:      prices.NewService(coinGecko, cfg.CacheTTL),
		Now:         time.Now,
		Close:       func() error { return nil },
	}

	if cfg.WaitlistDBDSN != "" {
		waitlist, err := store.NewStore(cfg.WaitlistDBDSN)
		if err != nil {
			return nil, fmt.Errorf("init waitlist store: %w", err)
		}
		deps.Waitlist = waitlist
		deps.Close = waitlist.Close
	}
	if mail != nil {
		deps.Welcome = mail
	}

	return newService(cfg, logger, deps), nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, deps Dependencies) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Service{
		cfg:              cfg,
		logger:           logger,
		deps:             deps,
		metrics:          newMetrics(),
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, time.Now)
	}
	if deps.Prices != nil {
		s.metrics.cacheGauges("prices", deps.Prices.Cache().Hits, deps.Prices.Cache().Misses)
	}
	if deps.Rates != nil {
		s.metrics.cacheGauges("rates", deps.Rates.Cache().Hits, deps.Rates.Cache().Misses)
	}
	return s
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, s.withCORS, s.metrics.middleware)

	r.Get("/", s.handleRoot)
	r.Handle("/metrics", s.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withRateLimit)

		r.Route("/data", func(r chi.Router) {
			r.Get("/price", s.handlePrice)
			r.Get("/users", s.handleUsers)
			r.Get("/tvl", s.handleTVL)
			r.Post("/waitlist", s.handleWaitlist)
		})

		r.Route("/user", func(r chi.Router) {
			r.Get("/rate", s.handleRate)
			r.Get("/balance", s.handleBalance)
			r.Get("/withdraw-limit", s.handleWithdrawLimit)
			r.Get("/health", s.handleHealth)
			r.Get("/spend-limit", s.handleSpendLimit)
		})

		r.Route("/program", func(r chi.Router) {
			r.Route("/build-tx", func(r chi.Router) {
				r.Get("/init-account", s.handleBuildInitAccount)
				r.Get("/deposit", s.handleBuildDeposit)
				r.Get("/withdraw", s.handleBuildWithdraw)
				r.Get("/spend-limit", s.handleBuildSpendLimit)
				r.Get("/upgrade-account", s.handleBuildUpgradeAccount)
				r.Get("/close-account", s.handleBuildCloseAccount)
				r.Get("/collateral-repay", s.handleBuildCollateralRepay)
			})
			r.Get("/data/account-status", s.handleAccountStatus)
			r.Post("/tx/send", s.handleSendTransaction)
			r.Get("/tx/confirm", s.handleConfirmTransaction)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, &Error{Status: http.StatusNotFound, Message: "Endpoint not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, &Error{Status: http.StatusMethodNotAllowed, Message: "Method not allowed"})
	})
	return r
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if s.deps.Close == nil {
			return
		}
		if err := s.deps.Close(); err != nil {
			s.logger.Error("failed to close dependencies", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"rpc_endpoints", len(s.cfg.Chain.RPCURLs),
		"require_beta_key", s.cfg.RequireBetaKey,
		"waitlist", s.deps.Waitlist != nil,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

type rootResponse struct {
	Result string `json:"result"`
}

func (s *Service) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, rootResponse{Result: "ok"})
}
