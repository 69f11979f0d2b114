package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

func TestDeriveTokenAccount_MatchesAssociatedTokenAddress(t *testing.T) {
	owner := solana.NewWallet().PublicKey()

	got, err := DeriveTokenAccount(owner, testMint)
	require.NoError(t, err)

	want, _, err := solana.FindAssociatedTokenAddress(owner, testMint)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Deterministic
	again, err := DeriveTokenAccount(owner, testMint)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestDeriveTokenAccount_DistinctPerOwnerAndMint(t *testing.T) {
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	otherMint := solana.NewWallet().PublicKey()

	ataA, err := DeriveTokenAccount(a, testMint)
	require.NoError(t, err)
	ataB, err := DeriveTokenAccount(b, testMint)
	require.NoError(t, err)
	ataOther, err := DeriveTokenAccount(a, otherMint)
	require.NoError(t, err)

	assert.NotEqual(t, ataA, ataB)
	assert.NotEqual(t, ataA, ataOther)
}

func TestDeriveTokenAccount_RejectsEmptyKeys(t *testing.T) {
	_, err := DeriveTokenAccount(solana.PublicKey{}, testMint)
	assert.Error(t, err)

	_, err = DeriveTokenAccount(solana.NewWallet().PublicKey(), solana.PublicKey{})
	assert.Error(t, err)
}

func TestAccountExists(t *testing.T) {
	ctx := context.Background()
	account := solana.NewWallet().PublicKey()

	t.Run("present", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			accountInfo: &rpc.GetAccountInfoResult{Value: &rpc.Account{Lamports: 2039280}},
		})
		assert.True(t, client.AccountExists(ctx, account))
	})

	t.Run("not found", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{accountErr: rpc.ErrNotFound})
		assert.False(t, client.AccountExists(ctx, account))
	})

	t.Run("rpc failure is reported as missing", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{accountErr: errors.New("connection reset")})
		assert.False(t, client.AccountExists(ctx, account))
	})

	t.Run("empty value", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{accountInfo: &rpc.GetAccountInfoResult{}})
		assert.False(t, client.AccountExists(ctx, account))
	})
}

func TestTokenBalance(t *testing.T) {
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()

	t.Run("scaled by decimals", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			balance: &rpc.GetTokenAccountBalanceResult{
				Value: &rpc.UiTokenAmount{Amount: "1500000", Decimals: 6},
			},
		})
		bal, err := client.TokenBalance(ctx, owner, testMint, 6)
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.RequireFromString("1.5")), "got %s", bal)
	})

	t.Run("missing token account is zero", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			balanceErr: errors.New("(*jsonrpc.RPCError)(0xc0001){Code:-32602, Message:\"Invalid param: could not find account\"}"),
		})
		bal, err := client.TokenBalance(ctx, owner, testMint, 6)
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
	})

	t.Run("decimals mismatch", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			balance: &rpc.GetTokenAccountBalanceResult{
				Value: &rpc.UiTokenAmount{Amount: "100", Decimals: 9},
			},
		})
		_, err := client.TokenBalance(ctx, owner, testMint, 6)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "9 decimals")
	})

	t.Run("rpc failure", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{balanceErr: errors.New("503 service unavailable")})
		_, err := client.TokenBalance(ctx, owner, testMint, 6)
		assert.Error(t, err)
	})

	t.Run("full u64 range", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			balance: &rpc.GetTokenAccountBalanceResult{
				Value: &rpc.UiTokenAmount{Amount: "18446744073709551615", Decimals: 9},
			},
		})
		balance, err := client.TokenBalance(ctx, owner, testMint, 9)
		require.NoError(t, err)
		assert.Equal(t, "18446744073.709551615", balance.String())
	})

	t.Run("negative amount", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			balance: &rpc.GetTokenAccountBalanceResult{
				Value: &rpc.UiTokenAmount{Amount: "-5", Decimals: 6},
			},
		})
		_, err := client.TokenBalance(ctx, owner, testMint, 6)
		assert.Error(t, err)
	})

	t.Run("malformed amount", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			balance: &rpc.GetTokenAccountBalanceResult{
				Value: &rpc.UiTokenAmount{Amount: "lots", Decimals: 6},
			},
		})
		_, err := client.TokenBalance(ctx, owner, testMint, 6)
		assert.Error(t, err)
	})
}
