package config

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const privateKeyLength = ed25519.PrivateKeySize

// ConfigurationError reports a missing or malformed setting. It is fatal and
// is always raised before any network activity.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ParsePrivateKey accepts the two forms wallets export a keypair in:
//
//	[12,34,...]  a JSON-style array of exactly 64 byte values
//	5Kd3...      the base58 encoding of the same 64 bytes
//
// Anything else is rejected. The secret half must derive the public half.
func ParsePrivateKey(raw string) (solana.PrivateKey, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &ConfigurationError{Field: "SOLANA_PRIVATE_KEY", Reason: "is empty"}
	}

	var key []byte
	var err error
	if strings.HasPrefix(s, "[") || strings.HasSuffix(s, "]") {
		key, err = parseByteArray(s)
	} else {
		key, err = parseBase58(s)
	}
	if err != nil {
		return nil, err
	}

	if len(key) != privateKeyLength {
		return nil, &ConfigurationError{
			Field:  "SOLANA_PRIVATE_KEY",
			Reason: fmt.Sprintf("expected %d bytes, got %d", privateKeyLength, len(key)),
		}
	}

	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived, key) {
		return nil, &ConfigurationError{Field: "SOLANA_PRIVATE_KEY", Reason: "public key does not match secret key"}
	}

	return solana.PrivateKey(key), nil
}

func parseByteArray(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, &ConfigurationError{Field: "SOLANA_PRIVATE_KEY", Reason: "unbalanced brackets in byte array"}
	}

	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, &ConfigurationError{Field: "SOLANA_PRIVATE_KEY", Reason: "empty byte array"}
	}

	parts := strings.Split(inner, ",")
	out := make([]byte, 0, len(parts))
	for i, part := range parts {
		tok := strings.TrimSpace(part)
		if tok == "" || strings.IndexFunc(tok, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return nil, &ConfigurationError{
				Field:  "SOLANA_PRIVATE_KEY",
				Reason: fmt.Sprintf("element %d is not a decimal byte: %q", i, tok),
			}
		}
		v, err := strconv.ParseUint(tok, 10, 8)
		if err != nil {
			return nil, &ConfigurationError{
				Field:  "SOLANA_PRIVATE_KEY",
				Reason: fmt.Sprintf("element %d out of byte range: %q", i, tok),
			}
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func parseBase58(s string) ([]byte, error) {
	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, &ConfigurationError{Field: "SOLANA_PRIVATE_KEY", Reason: "not a valid base58 key", Err: err}
	}
	return key, nil
}
