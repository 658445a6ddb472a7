package quartz

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/spendlimit"
)

const (
	discriminatorSize = 8
	// LegacyVaultSize is the vault layout that predates spend limits.
	LegacyVaultSize = discriminatorSize + 32 + 1
	VaultSize       = LegacyVaultSize + 5*8

	// RateScale is the fixed-point denominator of market rates.
	RateScale = 1_000_000
	bpsDenom  = 10_000
)

var (
	ErrInvalidAccount = errors.New("invalid account data")

	vaultDiscriminator         = AccountDiscriminator("Vault")
	positionDiscriminator      = AccountDiscriminator("Position")
	marketDiscriminator        = AccountDiscriminator("Market")
	withdrawOrderDiscriminator = AccountDiscriminator("WithdrawOrder")
)

func AccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

type Vault struct {
	Owner                           solana.PublicKey
	Bump                            uint8
	SpendLimitPerTransaction        uint64
	SpendLimitPerTimeframe          uint64
	RemainingSpendLimitPerTimeframe uint64
	NextTimeframeResetTimestamp     uint64
	TimeframeInSeconds              uint64
}

type legacyVault struct {
	Owner solana.PublicKey
	Bump  uint8
}

func (v Vault) SpendLimitState() spendlimit.State {
	return spendlimit.State{
		PerTransactionCap:    new(big.Int).SetUint64(v.SpendLimitPerTransaction),
		PerTimeframeCap:      new(big.Int).SetUint64(v.SpendLimitPerTimeframe),
		RemainingInTimeframe: new(big.Int).SetUint64(v.RemainingSpendLimitPerTimeframe),
		TimeframeSeconds:     int64(v.TimeframeInSeconds),
		NextResetTimestamp:   int64(v.NextTimeframeResetTimestamp),
	}
}

// DecodeVault accepts both layouts; legacy reports whether the account
// still needs upgrade_vault.
func DecodeVault(data []byte) (vault Vault, legacy bool, err error) {
	body, err := checkDiscriminator(data, vaultDiscriminator, "Vault")
	if err != nil {
		return Vault{}, false, err
	}
	if len(data) == LegacyVaultSize {
		var old legacyVault
		if err := bin.NewBorshDecoder(body).Decode(&old); err != nil {
			return Vault{}, false, fmt.Errorf("%w: decode legacy vault: %v", ErrInvalidAccount, err)
		}
		return Vault{Owner: old.Owner, Bump: old.Bump}, true, nil
	}
	if len(data) < VaultSize {
		return Vault{}, false, fmt.Errorf("%w: vault has %d bytes", ErrInvalidAccount, len(data))
	}
	if err := bin.NewBorshDecoder(body).Decode(&vault); err != nil {
		return Vault{}, false, fmt.Errorf("%w: decode vault: %v", ErrInvalidAccount, err)
	}
	return vault, false, nil
}

type Position struct {
	Vault       solana.PublicKey
	MarketIndex uint16
	Deposit     uint64
	Borrow      uint64
}

func DecodePosition(data []byte) (Position, error) {
	var out Position
	if err := decodeAccount(data, positionDiscriminator, "Position", &out); err != nil {
		return Position{}, err
	}
	return out, nil
}

type Market struct {
	MarketIndex     uint16
	Mint            solana.PublicKey
	Decimals        uint8
	DepositRate     uint64
	BorrowRate      uint64
	AssetWeight     uint32
	LiabilityWeight uint32
	TotalDeposits   uint64
	TotalBorrows    uint64
}

func DecodeMarket(data []byte) (Market, error) {
	var out Market
	if err := decodeAccount(data, marketDiscriminator, "Market", &out); err != nil {
		return Market{}, err
	}
	return out, nil
}

type WithdrawOrder struct {
	Owner        solana.PublicKey
	IsOwnerPayer bool
	ReleaseSlot  uint64
	Amount       uint64
	MarketIndex  uint16
	ReduceOnly   bool
	Destination  solana.PublicKey
}

func DecodeWithdrawOrder(data []byte) (WithdrawOrder, error) {
	var out WithdrawOrder
	if err := decodeAccount(data, withdrawOrderDiscriminator, "WithdrawOrder", &out); err != nil {
		return WithdrawOrder{}, err
	}
	return out, nil
}

func decodeAccount(data []byte, discriminator [8]byte, name string, out any) error {
	body, err := checkDiscriminator(data, discriminator, name)
	if err != nil {
		return err
	}
	if err := bin.NewBorshDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidAccount, name, err)
	}
	return nil
}

func checkDiscriminator(data []byte, discriminator [8]byte, name string) ([]byte, error) {
	if len(data) < discriminatorSize {
		return nil, fmt.Errorf("%w: %s shorter than discriminator", ErrInvalidAccount, name)
	}
	if !bytes.Equal(data[:discriminatorSize], discriminator[:]) {
		return nil, fmt.Errorf("%w: not a %s account", ErrInvalidAccount, name)
	}
	return data[discriminatorSize:], nil
}

// EncodeAccount serializes an account body behind the discriminator of name.
func EncodeAccount(name string, body any) ([]byte, error) {
	discriminator := AccountDiscriminator(name)
	var buf bytes.Buffer
	buf.Write(discriminator[:])
	if err := bin.NewBorshEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
