package distributor

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when the sender holds less than the
// total of the distribution list.
var ErrInsufficientBalance = errors.New("insufficient token balance")

// ErrInvalidAmount is returned when a transfer amount is zero or negative.
var ErrInvalidAmount = errors.New("transfer amount must be positive")

// PreflightError aborts a run before any transfer is attempted.
type PreflightError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Err       error
}

func (e *PreflightError) Error() string {
	if errors.Is(e.Err, ErrInsufficientBalance) {
		return fmt.Sprintf("preflight failed: %v: required %s, available %s",
			e.Err, e.Required.String(), e.Available.String())
	}
	return fmt.Sprintf("preflight failed: %v", e.Err)
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}

// PreparationError means a transfer could not be built: a bad recipient, a
// failed derivation or an amount that does not convert to base units.
type PreparationError struct {
	Recipient string
	Err       error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("prepare transfer to %s: %v", e.Recipient, e.Err)
}

func (e *PreparationError) Unwrap() error {
	return e.Err
}

// SubmissionError wraps a failed submission. The cause is a
// *solana.SubmitError when it came from the submitter.
type SubmissionError struct {
	Recipient string
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit transfer to %s: %v", e.Recipient, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// LedgerWriteError is logged and counted; it never stops a run.
type LedgerWriteError struct {
	Recipient string
	Status    Status
	Err       error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("record %s for %s: %v", e.Status, e.Recipient, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}
