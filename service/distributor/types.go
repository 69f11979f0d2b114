package distributor

import (
	"fmt"
	"time"

	"github.com/brojonat/airdrop/service/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// TransferRequest is one line of the distribution list, in token units.
type TransferRequest struct {
	Recipient string          `json:"wallet"`
	Amount    decimal.Decimal `json:"amount"`
}

// Mint identifies the token being distributed. It is fixed for a run.
type Mint struct {
	Address  solana.PublicKey
	Decimals uint8
}

// MaxDecimals bounds the mint precision. A u64 holds at most 19 decimal
// digits, so anything above that cannot represent one whole token.
const MaxDecimals = 19

// ParseMint validates a base58 mint address and its decimals.
func ParseMint(address string, decimals int) (Mint, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return Mint{}, fmt.Errorf("invalid mint address %q: %w", address, err)
	}
	if pk.IsZero() {
		return Mint{}, fmt.Errorf("mint address is empty")
	}
	if decimals < 0 || decimals > MaxDecimals {
		return Mint{}, fmt.Errorf("mint decimals must be between 0 and %d, got %d", MaxDecimals, decimals)
	}
	return Mint{Address: pk, Decimals: uint8(decimals)}, nil
}

func (m Mint) String() string {
	return m.Address.String()
}

// PreparedTransfer is a transfer ready to submit. It is built fresh for
// every attempt.
type PreparedTransfer struct {
	Request               TransferRequest
	Recipient             solana.PublicKey
	RecipientTokenAccount solana.PublicKey
	BaseUnits             uint64
	CreatesAccount        bool
	Instructions          []solana.Instruction
}

// Status is the outcome of one attempted transfer.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Stage names where a failed transfer stopped.
type Stage string

const (
	StagePrepare  Stage = "prepare"
	StageSubmit   Stage = "submit"
	StageInternal Stage = "internal"
)

// TransferOutcome is the result of one attempt. Exactly one is produced per
// attempted transfer.
type TransferOutcome struct {
	Request   TransferRequest
	Status    Status
	Signature solana.Signature // success only
	Stage     Stage            // failure only
	Err       error            // failure only
	Timestamp time.Time
}

// Reason is the failure text stored in the ledger.
func (o TransferOutcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o TransferOutcome) entry(mint Mint) ledger.Entry {
	e := ledger.Entry{
		Timestamp: o.Timestamp,
		Mint:      mint.String(),
		Recipient: o.Request.Recipient,
		Amount:    o.Request.Amount,
	}
	if o.Status == StatusSuccess {
		e.Kind = ledger.KindSuccess
		e.Signature = o.Signature.String()
		return e
	}
	e.Kind = ledger.KindFailure
	e.Stage = string(o.Stage)
	e.Reason = o.Reason()
	return e
}

// State is the engine lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StatePreflight    State = "preflight"
	StateAborted      State = "aborted"
	StateDistributing State = "distributing"
	StateSummarizing  State = "summarizing"
	StateDone         State = "done"
	StateCancelled    State = "cancelled"
)

// RunSummary reports one run. It is returned to the caller, never persisted.
type RunSummary struct {
	State          State
	TotalRequested decimal.Decimal
	Balance        decimal.Decimal
	Batches        int

	SuccessCount int
	FailureCount int

	// Amounts by outcome, in token units.
	Distributed decimal.Decimal
	FailedTotal decimal.Decimal

	// Failed holds the failed transfers in input order.
	Failed []TransferRequest

	// Unattempted holds transfers skipped because the run was cancelled.
	Unattempted []TransferRequest

	Outcomes []TransferOutcome

	LedgerWriteErrors int
	LedgerLocations   []string

	Started time.Time
	Elapsed time.Duration
}

// Total returns the sum of the requested amounts.
func Total(transfers []TransferRequest) decimal.Decimal {
	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.Amount)
	}
	return total
}
