package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer signs transactions on behalf of the sender wallet.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) error
}

// KeypairSigner signs with an in-memory ed25519 keypair.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps a 64-byte secret key.
func NewKeypairSigner(key solana.PrivateKey) (*KeypairSigner, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("signing key must be 64 bytes, got %d", len(key))
	}
	return &KeypairSigner{key: key}, nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// Sign adds the sender's signature. The transaction must not require any
// other signer.
func (s *KeypairSigner) Sign(tx *solana.Transaction) error {
	pub := s.key.PublicKey()
	_, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(pub) {
			return &s.key
		}
		return nil
	})
	return err
}
