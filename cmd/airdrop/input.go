package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/brojonat/airdrop/service/distributor"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
)

const (
	formatCSV  = "csv"
	formatJSON = "json"
)

// loadTransfers reads the recipient list from path. An empty format is
// picked from the file extension.
func loadTransfers(path, format, jqFilter string) ([]distributor.TransferRequest, error) {
	if format == "" {
		format = formatFromPath(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	transfers, err := parseTransfers(f, format, jqFilter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return transfers, nil
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return formatJSON
	}
	return formatCSV
}

func parseTransfers(r io.Reader, format, jqFilter string) ([]distributor.TransferRequest, error) {
	var (
		transfers []distributor.TransferRequest
		err       error
	)
	switch format {
	case formatCSV:
		if jqFilter != "" {
			return nil, errors.New("--jq only applies to json input")
		}
		transfers, err = parseCSV(r)
	case formatJSON:
		transfers, err = parseJSON(r, jqFilter)
	default:
		return nil, fmt.Errorf("unknown input format %q (want csv or json)", format)
	}
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return nil, errors.New("no transfers in input")
	}
	for i, t := range transfers {
		if t.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("transfer %d to %s: amount must be positive, got %s", i+1, t.Recipient, t.Amount.String())
		}
	}
	return transfers, nil
}

// parseCSV reads wallet,amount rows. A header row is optional; when present
// it may name the columns in any order.
func parseCSV(r io.Reader) ([]distributor.TransferRequest, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	walletCol, amountCol := 0, 1
	start := 0
	if w, a, ok := headerColumns(rows[0]); ok {
		walletCol, amountCol = w, a
		start = 1
	}

	transfers := make([]distributor.TransferRequest, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if len(row) <= walletCol || len(row) <= amountCol {
			return nil, fmt.Errorf("line %d: expected wallet and amount columns", i+1)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(row[amountCol]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid amount %q", i+1, row[amountCol])
		}
		transfers = append(transfers, distributor.TransferRequest{
			Recipient: strings.TrimSpace(row[walletCol]),
			Amount:    amount,
		})
	}
	return transfers, nil
}

func headerColumns(row []string) (walletCol, amountCol int, ok bool) {
	walletCol, amountCol = -1, -1
	for i, name := range row {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "wallet", "address", "recipient":
			walletCol = i
		case "amount":
			amountCol = i
		}
	}
	return walletCol, amountCol, walletCol >= 0 && amountCol >= 0
}

// parseJSON reads an array of {"wallet", "amount"} objects. With a jq filter
// the document may have any shape; every value the filter emits must be such
// an object or an array of them.
func parseJSON(r io.Reader, jqFilter string) ([]distributor.TransferRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if jqFilter == "" {
		var transfers []distributor.TransferRequest
		if err := json.Unmarshal(data, &transfers); err != nil {
			return nil, fmt.Errorf("invalid json (want an array of {wallet, amount}): %w", err)
		}
		return transfers, nil
	}

	query, err := gojq.Parse(jqFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", jqFilter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", jqFilter, err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var transfers []distributor.TransferRequest
	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		items := []interface{}{v}
		if arr, isArr := v.([]interface{}); isArr {
			items = arr
		}
		for _, item := range items {
			t, err := transferFromValue(item)
			if err != nil {
				return nil, fmt.Errorf("transfer %d: %w", len(transfers)+1, err)
			}
			transfers = append(transfers, t)
		}
	}
	return transfers, nil
}

func transferFromValue(v interface{}) (distributor.TransferRequest, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return distributor.TransferRequest{}, fmt.Errorf("expected an object, got %T", v)
	}
	wallet, ok := obj["wallet"].(string)
	if !ok {
		return distributor.TransferRequest{}, errors.New("wallet must be a string")
	}
	amount, err := toDecimal(obj["amount"])
	if err != nil {
		return distributor.TransferRequest{}, err
	}
	return distributor.TransferRequest{Recipient: wallet, Amount: amount}, nil
}

// toDecimal accepts every number representation gojq can emit, plus
// numeric strings.
func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q", n)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case *big.Int:
		return decimal.NewFromBigInt(n, 0), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case nil:
		return decimal.Zero, errors.New("amount is required")
	default:
		return decimal.Zero, fmt.Errorf("amount must be a number, got %T", v)
	}
}
