// Package program derives the on-chain addresses the treasury touches and
// builds the few raw instructions that have no builder in solana-go.
package program

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ConfigSeed is the fixed seed of the program's global configuration account.
const ConfigSeed = "collection_config"

const burnCheckedTag = 15

// ConfigAddress returns the program's configuration PDA.
func ConfigAddress(programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(ConfigSeed)}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive %s PDA: %w", ConfigSeed, err)
	}
	return addr, nil
}

// TokenAccount returns the associated token account of wallet for mint
// under the given token program (legacy or Token-2022).
func TokenAccount(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{
		wallet[:],
		tokenProgram[:],
		mint[:],
	}, solana.SPLAssociatedTokenAccountProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive token account: %w", err)
	}
	return addr, nil
}

// WrappedSOLAccount is the wallet's associated account for the native mint.
func WrappedSOLAccount(wallet solana.PublicKey) (solana.PublicKey, error) {
	return TokenAccount(wallet, solana.WrappedSol, solana.TokenProgramID)
}

// CreateWrappedSOLAccount creates the native-mint account; it fails if the
// account already exists.
func CreateWrappedSOLAccount(payer solana.PublicKey) solana.Instruction {
	return associatedtokenaccount.NewCreateInstruction(payer, payer, solana.WrappedSol).Build()
}

// WrapSOL moves lamports into the wrapped-SOL account and syncs its token
// balance. Both instructions belong in one transaction.
func WrapSOL(owner, wrapped solana.PublicKey, lamports uint64) []solana.Instruction {
	return []solana.Instruction{
		system.NewTransferInstruction(lamports, owner, wrapped).Build(),
		token.NewSyncNativeInstruction(wrapped).Build(),
	}
}

// PriorityFee sets the compute-unit price in micro-lamports.
func PriorityFee(microLamports uint64) solana.Instruction {
	return computebudget.NewSetComputeUnitPriceInstruction(microLamports).Build()
}

// BurnChecked burns amount raw units from source. It is built by hand so the
// token program can be Token-2022.
func BurnChecked(source, mint, owner, tokenProgram solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = burnCheckedTag
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals

	return solana.NewInstruction(tokenProgram, solana.AccountMetaSlice{
		solana.Meta(source).WRITE(),
		solana.Meta(mint).WRITE(),
		solana.Meta(owner).SIGNER(),
	}, data)
}
