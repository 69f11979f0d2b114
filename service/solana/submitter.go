package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SubmitErrorKind classifies where a submission failed.
type SubmitErrorKind string

const (
	SubmitErrBlockhash   SubmitErrorKind = "blockhash"
	SubmitErrSign        SubmitErrorKind = "sign"
	SubmitErrSend        SubmitErrorKind = "send"
	SubmitErrNoSignature SubmitErrorKind = "no_signature"
	SubmitErrRejected    SubmitErrorKind = "rejected"
	SubmitErrTimeout     SubmitErrorKind = "timeout"
	SubmitErrExpired     SubmitErrorKind = "expired"
)

// SubmitError is returned for every failed submission. Signature is set
// once the node has accepted the transaction.
type SubmitError struct {
	Kind      SubmitErrorKind
	Signature solana.Signature
	Err       error
}

func (e *SubmitError) Error() string {
	if e.Signature != (solana.Signature{}) {
		return fmt.Sprintf("%s (signature %s): %v", e.Kind, e.Signature, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// errNotConfirmed keeps the confirmation poll going.
var errNotConfirmed = errors.New("transaction not confirmed yet")

// errBlockhashExpired means the transaction can no longer land.
var errBlockhashExpired = errors.New("blockhash expired before confirmation")

// SubmitterOptions tunes confirmation polling.
type SubmitterOptions struct {
	PollInterval    time.Duration // first poll delay, grows exponentially
	MaxPollInterval time.Duration
	ConfirmTimeout  time.Duration
}

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultMaxPollInterval = 4 * time.Second
	defaultConfirmTimeout  = 60 * time.Second
)

// Submitter turns instruction lists into confirmed transactions.
type Submitter struct {
	client *Client
	signer Signer
	opts   SubmitterOptions
}

// NewSubmitter creates a submitter. Zero options take defaults.
func NewSubmitter(client *Client, signer Signer, opts SubmitterOptions) *Submitter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPollInterval <= 0 {
		opts.MaxPollInterval = defaultMaxPollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	return &Submitter{client: client, signer: signer, opts: opts}
}

// Submit fetches a fresh blockhash, signs and sends one transaction carrying
// instructions, and waits until it is confirmed. Every failure is a
// *SubmitError.
func (s *Submitter) Submit(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	logger := s.client.logger

	bh, err := s.client.latestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, &SubmitError{Kind: SubmitErrBlockhash, Err: err}
	}
	if bh == nil || bh.Value == nil {
		return solana.Signature{}, &SubmitError{Kind: SubmitErrBlockhash, Err: errors.New("empty blockhash response")}
	}

	tx, err := solana.NewTransaction(
		instructions,
		bh.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, &SubmitError{Kind: SubmitErrSign, Err: fmt.Errorf("failed to assemble transaction: %w", err)}
	}
	if err := s.signer.Sign(tx); err != nil {
		return solana.Signature{}, &SubmitError{Kind: SubmitErrSign, Err: err}
	}

	sig, err := s.client.sendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, &SubmitError{Kind: SubmitErrSend, Err: err}
	}
	if sig == (solana.Signature{}) {
		return solana.Signature{}, &SubmitError{Kind: SubmitErrNoSignature, Err: errors.New("node returned no signature")}
	}

	logger.DebugContext(ctx, "transaction sent, awaiting confirmation",
		"signature", sig.String(),
		"last_valid_block_height", bh.Value.LastValidBlockHeight,
	)

	start := time.Now()
	status, err := s.waitForConfirmation(ctx, sig, bh.Value.LastValidBlockHeight)
	if s.client.metrics != nil {
		s.client.metrics.RecordConfirmation(status, time.Since(start).Seconds())
	}
	if err != nil {
		return sig, err
	}
	return sig, nil
}

// waitForConfirmation polls the signature status. The returned label is
// used for metrics.
func (s *Submitter) waitForConfirmation(ctx context.Context, sig solana.Signature, lastValid uint64) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.PollInterval
	b.MaxInterval = s.opts.MaxPollInterval
	b.MaxElapsedTime = s.opts.ConfirmTimeout

	var rejection error
	operation := func() error {
		status, err := s.client.signatureStatus(ctx, sig)
		if err != nil {
			// Transient RPC failure, keep polling.
			s.client.logger.DebugContext(ctx, "signature status lookup failed",
				"signature", sig.String(),
				"error", err,
			)
			return err
		}
		if status != nil {
			if status.Err != nil {
				rejection = fmt.Errorf("transaction failed on chain: %v", status.Err)
				return backoff.Permanent(rejection)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		height, err := s.client.blockHeight(ctx)
		if err == nil && height > lastValid {
			return backoff.Permanent(errBlockhashExpired)
		}
		return errNotConfirmed
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return "confirmed", nil
	case rejection != nil && errors.Is(err, rejection):
		return "rejected", &SubmitError{Kind: SubmitErrRejected, Signature: sig, Err: rejection}
	case errors.Is(err, errBlockhashExpired):
		return "expired", &SubmitError{Kind: SubmitErrExpired, Signature: sig, Err: err}
	case ctx.Err() != nil:
		return "cancelled", &SubmitError{Kind: SubmitErrTimeout, Signature: sig, Err: ctx.Err()}
	default:
		return "timeout", &SubmitError{
			Kind:      SubmitErrTimeout,
			Signature: sig,
			Err:       fmt.Errorf("not confirmed within %s: %w", s.opts.ConfirmTimeout, err),
		}
	}
}
