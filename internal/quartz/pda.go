package quartz

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

func DeriveVaultPDA(programID solana.PublicKey, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault"), owner.Bytes()}, programID)
}

func DerivePositionPDA(programID solana.PublicKey, vault solana.PublicKey, marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("position"), vault.Bytes(), u16LE(marketIndex)}, programID)
}

func DeriveMarketPDA(programID solana.PublicKey, marketIndex uint16) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("market"), u16LE(marketIndex)}, programID)
}

func DeriveCollateralRepayLedgerPDA(programID solana.PublicKey, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("collateral_repay_ledger"), owner.Bytes()}, programID)
}

func mustPDA(pk solana.PublicKey, _ uint8, err error) solana.PublicKey {
	if err != nil {
		panic(fmt.Errorf("derive PDA: %w", err))
	}
	return pk
}

// FindProgramAddress only fails when no bump yields an off-curve point,
// which does not happen for these seed lengths.
func (c *Client) vaultPDA(owner solana.PublicKey) solana.PublicKey {
	return mustPDA(DeriveVaultPDA(c.programID, owner))
}

func (c *Client) positionPDA(vault solana.PublicKey, marketIndex uint16) solana.PublicKey {
	return mustPDA(DerivePositionPDA(c.programID, vault, marketIndex))
}

func (c *Client) marketPDA(marketIndex uint16) solana.PublicKey {
	return mustPDA(DeriveMarketPDA(c.programID, marketIndex))
}

func (c *Client) ledgerPDA(owner solana.PublicKey) solana.PublicKey {
	return mustPDA(DeriveCollateralRepayLedgerPDA(c.programID, owner))
}

func u16LE(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}
