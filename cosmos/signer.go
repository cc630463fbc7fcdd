// Package cosmos signs Cosmos SDK transactions with a kmssigner.Provider.
package cosmos

import (
	"context"
	"crypto/sha256"

	cosmossecp256k1 "github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	cryptotypes "github.com/cosmos/cosmos-sdk/crypto/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// Signer produces 64-byte R||S signatures over Cosmos sign bytes. S is always
// in the lower half of the curve order, as the SDK's ante handler requires.
type Signer struct {
	provider kmssigner.Provider
	keyID    string
}

// NewSigner creates a Signer for keyID.
func NewSigner(provider kmssigner.Provider, keyID string) (*Signer, error) {
	if provider == nil {
		return nil, kmssigner.NewValidationError("provider", "is required")
	}
	return &Signer{provider: provider, keyID: keyID}, nil
}

// PubKey returns the compressed SDK public key.
func (s *Signer) PubKey(ctx context.Context) (cryptotypes.PubKey, error) {
	der, err := s.provider.PublicKey(ctx, s.keyID)
	if err != nil {
		return nil, err
	}
	pub, err := secp256k1.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	return &cosmossecp256k1.PubKey{Key: pub.SerializeCompressed()}, nil
}

// Address returns the account address of the key.
func (s *Signer) Address(ctx context.Context) (sdk.AccAddress, error) {
	pub, err := s.PubKey(ctx)
	if err != nil {
		return nil, err
	}
	return sdk.AccAddress(pub.Address()), nil
}

// Sign hashes msg with SHA-256 and signs it, mirroring keyring.Signer.
// All sign modes produce the same signature over the given bytes.
func (s *Signer) Sign(ctx context.Context, msg []byte, _ signing.SignMode) ([]byte, cryptotypes.PubKey, error) {
	pub, err := s.PubKey(ctx)
	if err != nil {
		return nil, nil, err
	}

	hash := sha256.Sum256(msg)
	sig, err := s.provider.Sign(ctx, s.keyID, hash[:], nil)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 64)
	copy(out[:32], sig.R[:])
	copy(out[32:], sig.S[:])
	return out, pub, nil
}
