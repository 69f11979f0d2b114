package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	SuccessHeader = []string{"timestamp", "amount", "to_address", "signature"}
	FailureHeader = []string{"timestamp", "amount", "to_address", "error"}
)

// CSVLedger appends outcomes to two CSV files, one for successes and one for
// failures. Each row is synced to disk before Record returns.
type CSVLedger struct {
	successPath string
	failurePath string

	mu sync.Mutex
}

// NewCSVLedger returns a ledger writing to the given paths. Files are created
// with a header on first write.
func NewCSVLedger(successPath, failurePath string) (*CSVLedger, error) {
	if successPath == "" || failurePath == "" {
		return nil, errors.New("both ledger paths are required")
	}
	if successPath == failurePath {
		return nil, errors.New("success and failure ledgers must be different files")
	}
	return &CSVLedger{successPath: successPath, failurePath: failurePath}, nil
}

func (l *CSVLedger) Record(ctx context.Context, entry Entry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var (
		path   string
		header []string
		row    []string
	)
	switch entry.Kind {
	case KindSuccess:
		path, header = l.successPath, SuccessHeader
		row = []string{ts.Format(time.RFC3339Nano), entry.Amount.String(), entry.Recipient, entry.Signature}
	case KindFailure:
		path, header = l.failurePath, FailureHeader
		row = []string{ts.Format(time.RFC3339Nano), entry.Amount.String(), entry.Recipient, entry.Reason}
	default:
		return fmt.Errorf("unknown outcome kind %q", entry.Kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return appendRow(path, header, row)
}

func appendRow(path string, header, row []string) (err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close ledger %s: %w", path, cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat ledger %s: %w", path, err)
	}

	// Terminate a row left partial by an interrupted write so the new row
	// starts on its own line.
	if size := info.Size(); size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return fmt.Errorf("failed to read ledger %s: %w", path, err)
		}
		if last[0] != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				return fmt.Errorf("failed to write ledger %s: %w", path, err)
			}
		}
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write ledger header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to write ledger row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush ledger %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger %s: %w", path, err)
	}
	return nil
}

func (l *CSVLedger) Locations() []string {
	return []string{l.successPath, l.failurePath}
}

// Close is a no-op; files are opened per write.
func (l *CSVLedger) Close() error {
	return nil
}

// ReadFailures reads the failure ledger and returns one entry per distinct
// (recipient, amount) pair in first-seen order. When successPath is set,
// pairs that have a success row are dropped. A missing file yields no
// entries.
func ReadFailures(failurePath, successPath string) ([]Entry, error) {
	failures, err := readRows(failurePath, FailureHeader)
	if err != nil {
		return nil, err
	}

	delivered := make(map[string]bool)
	if successPath != "" {
		successes, err := readRows(successPath, SuccessHeader)
		if err != nil {
			return nil, err
		}
		for _, r := range successes {
			delivered[pairKey(r[2], r[1])] = true
		}
	}

	seen := make(map[string]bool)
	var out []Entry
	for i, r := range failures {
		amount, err := decimal.NewFromString(r[1])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: invalid amount %q: %w", failurePath, i+2, r[1], err)
		}
		key := pairKey(r[2], amount.String())
		if seen[key] || delivered[key] {
			continue
		}
		seen[key] = true

		ts, _ := time.Parse(time.RFC3339Nano, r[0])
		out = append(out, Entry{
			Kind:      KindFailure,
			Timestamp: ts,
			Recipient: r[2],
			Amount:    amount,
			Reason:    r[3],
		})
	}
	return out, nil
}

func pairKey(recipient, amount string) string {
	if d, err := decimal.NewFromString(amount); err == nil {
		amount = d.String()
	}
	return recipient + "\x00" + amount
}

// readRows returns the data rows of a ledger file after checking its header.
// A trailing line without a newline is an interrupted append and is dropped,
// as is any row whose field count does not match the header.
func readRows(path string, header []string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		data = data[:i+1]
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	got, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger header %s: %w", path, err)
	}
	if len(got) != len(header) {
		return nil, fmt.Errorf("ledger %s has unexpected header %v", path, got)
	}
	for i := range header {
		if got[i] != header[i] {
			return nil, fmt.Errorf("ledger %s has unexpected header %v", path, got)
		}
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
		}
		if len(row) != len(header) {
			continue
		}
		rows = append(rows, row)
	}
}
