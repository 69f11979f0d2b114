package solana

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// TransferParams describes one token transfer from the sender's token
// account to a recipient's associated token account.
type TransferParams struct {
	Sender                 solana.PublicKey // authority and fee payer
	SenderTokenAccount     solana.PublicKey
	Recipient              solana.PublicKey // recipient wallet (token account owner)
	RecipientTokenAccount  solana.PublicKey
	Mint                   solana.PublicKey
	Decimals               uint8
	Amount                 uint64 // base units
	RecipientAccountExists bool
}

// BuildTransfer returns the ordered instructions for one transfer. When the
// recipient token account is not known to exist, an idempotent create
// instruction comes first so the account exists before the transfer runs.
func BuildTransfer(p TransferParams) ([]solana.Instruction, error) {
	if p.Amount == 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	keys := []struct {
		name string
		key  solana.PublicKey
	}{
		{"sender", p.Sender},
		{"sender token account", p.SenderTokenAccount},
		{"recipient", p.Recipient},
		{"recipient token account", p.RecipientTokenAccount},
		{"mint", p.Mint},
	}
	for _, k := range keys {
		if k.key.IsZero() {
			return nil, fmt.Errorf("%s is empty", k.name)
		}
	}

	instructions := make([]solana.Instruction, 0, 2)
	if !p.RecipientAccountExists {
		instructions = append(instructions, NewCreateTokenAccountInstruction(
			p.Sender,
			p.RecipientTokenAccount,
			p.Recipient,
			p.Mint,
		))
	}
	instructions = append(instructions, NewTransferCheckedInstruction(
		p.SenderTokenAccount,
		p.Mint,
		p.RecipientTokenAccount,
		p.Sender,
		p.Amount,
		p.Decimals,
	))
	return instructions, nil
}

// NewTransferCheckedInstruction encodes an SPL Token TransferChecked:
//
//	data: [12] [amount u64 little endian] [decimals]
//	accounts: source (w), mint, destination (w), authority (signer)
func NewTransferCheckedInstruction(
	source, mint, destination, authority solana.PublicKey,
	amount uint64,
	decimals uint8,
) solana.Instruction {
	data := make([]byte, 10)
	data[0] = TokenProgramTransferCheckedInstruction
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	return solana.NewInstruction(TokenProgramID, accounts, data)
}

// NewCreateTokenAccountInstruction encodes the associated token program's
// CreateIdempotent instruction, which succeeds whether or not the account
// already exists.
func NewCreateTokenAccountInstruction(payer, tokenAccount, owner, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(tokenAccount, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(SystemProgramID, false, false),
		solana.NewAccountMeta(TokenProgramID, false, false),
	}
	return solana.NewInstruction(
		AssociatedTokenProgramID,
		accounts,
		[]byte{AssociatedTokenCreateIdempotentInstruction},
	)
}

var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ToBaseUnits converts a token-unit amount to integer base units,
// round(amount * 10^decimals), rounding half away from zero.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	scaled := amount.Shift(int32(decimals)).Round(0)
	if scaled.Sign() <= 0 {
		return 0, fmt.Errorf("amount %s is not positive at %d decimals", amount.String(), decimals)
	}
	if scaled.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("amount %s overflows u64 at %d decimals", amount.String(), decimals)
	}
	return scaled.BigInt().Uint64(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals))
}
