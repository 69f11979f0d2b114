package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// DeriveTokenAccount returns the associated token account that holds mint
// for owner. The address is a pure function of (owner, token program, mint).
func DeriveTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	if owner.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("owner address is empty")
	}
	if mint.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("mint address is empty")
	}
	ata, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], TokenProgramID[:], mint[:]},
		AssociatedTokenProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account for %s: %w", owner, err)
	}
	return ata, nil
}

// DeriveTokenAccount is the Client form of the package function, so callers
// can depend on one resolver interface.
func (c *Client) DeriveTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	return DeriveTokenAccount(owner, mint)
}

// AccountExists reports whether an account is present on chain.
// Any RPC failure is reported as "does not exist": the builder then adds an
// idempotent create instruction, which is a no-op for an existing account.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) bool {
	out, err := c.getAccountInfo(ctx, account)
	if err != nil {
		if !errors.Is(err, rpc.ErrNotFound) {
			c.logger.WarnContext(ctx, "account lookup failed, assuming account must be created",
				"account", account.String(),
				"error", err,
			)
		}
		return false
	}
	return out != nil && out.Value != nil
}

// TokenBalance returns owner's balance of mint in token units. A sender with
// no token account has a zero balance. The on-chain decimals must match the
// configured decimals, otherwise every amount in the run would be mis-scaled.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey, decimals uint8) (decimal.Decimal, error) {
	ata, err := DeriveTokenAccount(owner, mint)
	if err != nil {
		return decimal.Zero, err
	}

	out, err := c.getTokenAccountBalance(ctx, ata)
	if err != nil {
		if isMissingAccount(err) {
			c.logger.WarnContext(ctx, "sender token account not found, balance is zero",
				"owner", owner.String(),
				"token_account", ata.String(),
			)
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get token balance of %s: %w", ata, err)
	}
	if out == nil || out.Value == nil {
		return decimal.Zero, nil
	}

	if out.Value.Decimals != decimals {
		return decimal.Zero, fmt.Errorf("mint %s has %d decimals, run configured with %d", mint, out.Value.Decimals, decimals)
	}

	raw, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token amount %q: %w", out.Value.Amount, err)
	}

	balance := FromBaseUnits(raw, decimals)
	c.logger.InfoContext(ctx, "fetched sender token balance",
		"owner", owner.String(),
		"token_account", ata.String(),
		"balance", balance.String(),
	)
	return balance, nil
}

// isMissingAccount matches the node's "could not find account" reply for
// getTokenAccountBalance on an address that was never created.
func isMissingAccount(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "could not find account")
}
