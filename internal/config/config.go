package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
	// MaxSizeMB, MaxBackups and MaxAgeDays drive file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type ChainConfig struct {
	RPCURLs    []string
	WSURL      string
	Commitment rpc.CommitmentType
	Retry      RetryConfig
}

type ProgramConfig struct {
	QuartzProgramID   solana.PublicKey
	MarginfiProgramID solana.PublicKey
	MarginfiGroup     solana.PublicKey
	// LookupTables are attached to every Quartz instruction set.
	LookupTables []solana.PublicKey
}

type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
}

func (c EmailConfig) Enabled() bool {
	return c.Host != ""
}

type APIServerConfig struct {
	ListenAddr                    string
	ReadTimeout                   time.Duration
	WriteTimeout                  time.Duration
	IdleTimeout                   time.Duration
	AllowedOrigins                []string
	Chain                         ChainConfig
	Programs                      ProgramConfig
	Email                         EmailConfig
	BetaKeyCollection             solana.PublicKey
	RequireBetaKey                bool
	FlashLoanCaller               solana.PrivateKey
	JupiterAPIURL                 string
	CoinGeckoAPIURL               string
	CoinGeckoAPIKey               string
	UpstreamTimeout               time.Duration
	CacheTTL                      time.Duration
	TxConfirmTimeout              time.Duration
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	RateLimitPerMinute            float64
	RateLimitBurst                int
	WaitlistDBDSN                 string
	Log                           LogConfig
}

type KeeperConfig struct {
	Chain                         ChainConfig
	Programs                      ProgramConfig
	KeypairPath                   string
	PollInterval                  time.Duration
	MaxOrdersPerTick              int
	TxTimeout                     time.Duration
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	DBDSN                         string
	Email                         EmailConfig
	Log                           LogConfig
}

var (
	defaultQuartzProgramID   = solana.MustPublicKeyFromBase58("6JjHXLheGSNvvexgzMthEcgjkcirDrGduc3HAKB2P1v2")
	defaultMarginfiProgramID = solana.MustPublicKeyFromBase58("MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA")
	defaultMarginfiGroup     = solana.MustPublicKeyFromBase58("4qp6Fx6tnZkY5Wropq9wUYgtFxXKwE6viZxFHg3rdAG8")
	defaultJupiterAPIURL     = "https://quote-api.jup.ag/v6"
	defaultCoinGeckoAPIURL   = "https://api.coingecko.com/api/v3"
)

func LoadAPIServerConfig() (APIServerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return APIServerConfig{}, err
	}

	chain, err := loadChainConfig()
	if err != nil {
		return APIServerConfig{}, err
	}
	programs, err := loadProgramConfig()
	if err != nil {
		return APIServerConfig{}, err
	}
	email, err := loadEmailConfig()
	if err != nil {
		return APIServerConfig{}, err
	}

	port, err := envInt("PORT", 3000)
	if err != nil {
		return APIServerConfig{}, err
	}
	if port > 65535 {
		return APIServerConfig{}, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	readTimeout, err := envDuration("API_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	// confirm requests hold the connection for up to TX_CONFIRM_TIMEOUT
	writeTimeout, err := envDuration("API_SERVER_WRITE_TIMEOUT", 45*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	idleTimeout, err := envDuration("API_SERVER_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}

	requireBetaKey, err := envBool("REQUIRE_BETA_KEY", false)
	if err != nil {
		return APIServerConfig{}, err
	}
	betaKeyCollection, err := envPubkey("BETA_KEY_COLLECTION", solana.PublicKey{})
	if err != nil {
		return APIServerConfig{}, err
	}
	if requireBetaKey && betaKeyCollection.IsZero() {
		return APIServerConfig{}, errors.New("invalid BETA_KEY_COLLECTION: required when REQUIRE_BETA_KEY=true")
	}

	flashLoanCaller, err := envPrivateKey("FLASH_LOAN_CALLER")
	if err != nil {
		return APIServerConfig{}, err
	}

	jupiterURL, err := envURL("JUPITER_API_URL", defaultJupiterAPIURL)
	if err != nil {
		return APIServerConfig{}, err
	}
	coinGeckoURL, err := envURL("COINGECKO_API_URL", defaultCoinGeckoAPIURL)
	if err != nil {
		return APIServerConfig{}, err
	}
	upstreamTimeout, err := envDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	cacheTTL, err := envDuration("CACHE_TTL", 60*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	confirmTimeout, err := envDuration("TX_CONFIRM_TIMEOUT", 30*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	cuLimit, err := envUint32("COMPUTE_UNIT_LIMIT", 200_000)
	if err != nil {
		return APIServerConfig{}, err
	}
	cuPrice, err := envUint64("COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 1_250)
	if err != nil {
		return APIServerConfig{}, err
	}
	rateLimit, err := envFloat("RATE_LIMIT_PER_MINUTE", 600)
	if err != nil {
		return APIServerConfig{}, err
	}
	rateBurst, err := envInt("RATE_LIMIT_BURST", 60)
	if err != nil {
		return APIServerConfig{}, err
	}

	allowedOrigins := parseCSVEnv(
		envOrDefault("API_SERVER_ALLOWED_ORIGINS", "*"),
		[]string{"*"},
	)

	return APIServerConfig{
		ListenAddr:                    ":" + strconv.Itoa(port),
		ReadTimeout:                   readTimeout,
		WriteTimeout:                  writeTimeout,
		IdleTimeout:                   idleTimeout,
		AllowedOrigins:                allowedOrigins,
		Chain:                         chain,
		Programs:                      programs,
		Email:                         email,
		BetaKeyCollection:             betaKeyCollection,
		RequireBetaKey:                requireBetaKey,
		FlashLoanCaller:               flashLoanCaller,
		JupiterAPIURL:                 jupiterURL,
		CoinGeckoAPIURL:               coinGeckoURL,
		CoinGeckoAPIKey:               envOrDefault("COINGECKO_API_KEY", ""),
		UpstreamTimeout:               upstreamTimeout,
		CacheTTL:                      cacheTTL,
		TxConfirmTimeout:              confirmTimeout,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
		RateLimitPerMinute:            rateLimit,
		RateLimitBurst:                rateBurst,
		WaitlistDBDSN:                 envOrDefault("WAITLIST_DB_DSN", ""),
		Log:                           buildLogConfig("API_SERVER", "api-server"),
	}, nil
}

func LoadKeeperConfig() (KeeperConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return KeeperConfig{}, err
	}

	chain, err := loadChainConfig()
	if err != nil {
		return KeeperConfig{}, err
	}
	programs, err := loadProgramConfig()
	if err != nil {
		return KeeperConfig{}, err
	}
	email, err := loadEmailConfig()
	if err != nil {
		return KeeperConfig{}, err
	}

	keypairPath := envOrDefault("KEEPER_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return KeeperConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	pollInterval, err := envDuration("KEEPER_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}
	txTimeout, err := envDuration("KEEPER_TX_TIMEOUT", 30*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}
	maxOrders, err := envInt("KEEPER_MAX_ORDERS_PER_TICK", 10)
	if err != nil {
		return KeeperConfig{}, err
	}
	skipPreflight, err := envBool("KEEPER_SKIP_PREFLIGHT", false)
	if err != nil {
		return KeeperConfig{}, err
	}
	maxRetries, err := envOptionalUint("KEEPER_MAX_RETRIES")
	if err != nil {
		return KeeperConfig{}, err
	}
	cuLimit, err := envUint32("KEEPER_COMPUTE_UNIT_LIMIT", 200_000)
	if err != nil {
		return KeeperConfig{}, err
	}
	cuPrice, err := envUint64("KEEPER_COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 1_250)
	if err != nil {
		return KeeperConfig{}, err
	}

	return KeeperConfig{
		Chain:                         chain,
		Programs:                      programs,
		KeypairPath:                   expandedKeypair,
		PollInterval:                  pollInterval,
		MaxOrdersPerTick:              maxOrders,
		TxTimeout:                     txTimeout,
		SkipPreflight:                 skipPreflight,
		MaxRetries:                    maxRetries,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
		DBDSN:                         envOrDefault("KEEPER_DB_DSN", envOrDefault("WAITLIST_DB_DSN", "")),
		Email:                         email,
		Log:                           buildLogConfig("KEEPER", "keeper"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func loadChainConfig() (ChainConfig, error) {
	urls := parseCSVEnv(valueForKey("RPC_URLS"), nil)
	if len(urls) == 0 {
		return ChainConfig{}, errors.New("invalid RPC_URLS: at least one RPC endpoint is required")
	}
	for _, raw := range urls {
		if err := validateURL(raw, "http", "https"); err != nil {
			return ChainConfig{}, fmt.Errorf("invalid RPC_URLS entry %q: %w", raw, err)
		}
	}

	wsURL := envOrDefault("RPC_WS_URL", "")
	if wsURL != "" {
		if err := validateURL(wsURL, "ws", "wss"); err != nil {
			return ChainConfig{}, fmt.Errorf("invalid RPC_WS_URL: %w", err)
		}
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return ChainConfig{}, err
	}
	maxAttempts, err := envInt("RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		return ChainConfig{}, err
	}
	initialDelay, err := envDuration("RETRY_INITIAL_DELAY", time.Second)
	if err != nil {
		return ChainConfig{}, err
	}
	maxDelay, err := envDuration("RETRY_MAX_DELAY", 10*time.Second)
	if err != nil {
		return ChainConfig{}, err
	}
	if maxDelay < initialDelay {
		return ChainConfig{}, fmt.Errorf("invalid RETRY_MAX_DELAY: must be >= RETRY_INITIAL_DELAY")
	}

	return ChainConfig{
		RPCURLs:    urls,
		WSURL:      wsURL,
		Commitment: commitment,
		Retry: RetryConfig{
			MaxAttempts:  maxAttempts,
			InitialDelay: initialDelay,
			MaxDelay:     maxDelay,
		},
	}, nil
}

func loadProgramConfig() (ProgramConfig, error) {
	quartz, err := envPubkey("QUARTZ_PROGRAM_ID", defaultQuartzProgramID)
	if err != nil {
		return ProgramConfig{}, err
	}
	marginfi, err := envPubkey("MARGINFI_PROGRAM_ID", defaultMarginfiProgramID)
	if err != nil {
		return ProgramConfig{}, err
	}
	group, err := envPubkey("MARGINFI_GROUP", defaultMarginfiGroup)
	if err != nil {
		return ProgramConfig{}, err
	}
	tables, err := envPubkeyList("QUARTZ_LOOKUP_TABLES")
	if err != nil {
		return ProgramConfig{}, err
	}
	return ProgramConfig{
		QuartzProgramID:   quartz,
		MarginfiProgramID: marginfi,
		MarginfiGroup:     group,
		LookupTables:      tables,
	}, nil
}

func loadEmailConfig() (EmailConfig, error) {
	host := envOrDefault("EMAIL_HOST", "")
	port, err := envInt("EMAIL_PORT", 587)
	if err != nil {
		return EmailConfig{}, err
	}
	cfg := EmailConfig{
		Host:     host,
		Port:     port,
		User:     envOrDefault("EMAIL_USER", ""),
		Password: envOrDefault("EMAIL_PASSWORD", ""),
		From:     envOrDefault("EMAIL_FROM", envOrDefault("EMAIL_USER", "")),
		To:       parseCSVEnv(valueForKey("EMAIL_TO"), nil),
	}
	if host == "" {
		return cfg, nil
	}
	if cfg.From == "" {
		return EmailConfig{}, errors.New("invalid EMAIL_FROM: required when EMAIL_HOST is set")
	}
	if len(cfg.To) == 0 {
		return EmailConfig{}, errors.New("invalid EMAIL_TO: required when EMAIL_HOST is set")
	}
	if cfg.User != "" && cfg.Password == "" {
		return EmailConfig{}, errors.New("invalid EMAIL_PASSWORD: required when EMAIL_USER is set")
	}
	return cfg, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	// rotation knobs fall back to defaults on bad input; logging must not block startup
	maxSize, err := envInt("LOG_FILE_MAX_SIZE_MB", 100)
	if err != nil {
		maxSize = 100
	}
	maxBackups, err := envInt("LOG_FILE_MAX_BACKUPS", 5)
	if err != nil {
		maxBackups = 5
	}
	maxAge, err := envInt("LOG_FILE_MAX_AGE_DAYS", 28)
	if err != nil {
		maxAge = 28
	}

	return LogConfig{
		Level:      level,
		Format:     format,
		Output:     output,
		FilePath:   filePath,
		MaxSizeMB:  maxSize,
		MaxBackups: maxBackups,
		MaxAgeDays: maxAge,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envPubkeyList(key string) ([]solana.PublicKey, error) {
	raw := parseCSVEnv(valueForKey(key), nil)
	out := make([]solana.PublicKey, 0, len(raw))
	for _, value := range raw {
		pk, err := solana.PublicKeyFromBase58(value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, value, err)
		}
		out = append(out, pk)
	}
	return out, nil
}

func envPrivateKey(key string) (solana.PrivateKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, fmt.Errorf("invalid %s: base58 secret key is required", key)
	}
	pk, err := solana.PrivateKeyFromBase58(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	if len(pk) != 64 {
		return nil, fmt.Errorf("invalid %s: expected 64-byte secret key, got %d bytes", key, len(pk))
	}
	return pk, nil
}

func envURL(key string, fallback string) (string, error) {
	raw := envOrDefault(key, fallback)
	if err := validateURL(raw, "http", "https"); err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return strings.TrimRight(raw, "/"), nil
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q (expected %s)", parsed.Scheme, strings.Join(schemes, "|"))
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envOptionalUint(key string) (*uint, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	out := uint(v)
	return &out, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		values, err := parseConfigFile(body)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("load config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = values
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func parseConfigFile(body []byte) (map[string]string, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	flattened, err := flattenConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	return flattened, nil
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
