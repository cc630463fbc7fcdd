// Package ethtx signs Ethereum transactions and messages with a
// kmssigner.Provider.
package ethtx

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// ErrAddressMismatch is returned when a transactor is asked to sign for an
// address other than its own.
var ErrAddressMismatch = errors.New("ethtx: address does not match signing key")

// Signer binds a Provider key to a chain.
type Signer struct {
	provider kmssigner.Provider
	keyID    string
	chainID  *big.Int
}

// NewSigner creates a Signer for keyID on chainID.
func NewSigner(provider kmssigner.Provider, keyID string, chainID *big.Int) (*Signer, error) {
	if provider == nil {
		return nil, kmssigner.NewValidationError("provider", "is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, kmssigner.NewValidationError("chainID", "must be positive")
	}
	return &Signer{provider: provider, keyID: keyID, chainID: new(big.Int).Set(chainID)}, nil
}

// Address derives the Ethereum address of the key.
func (s *Signer) Address(ctx context.Context) (common.Address, error) {
	der, err := s.provider.PublicKey(ctx, s.keyID)
	if err != nil {
		return common.Address{}, err
	}
	return AddressFromDER(der)
}

// AddressFromDER derives an Ethereum address from a DER public key.
func AddressFromDER(der []byte) (common.Address, error) {
	pub, err := secp256k1.ParsePKIXPublicKey(der)
	if err != nil {
		return common.Address{}, err
	}
	ecdsaPub, err := crypto.UnmarshalPubkey(pub.SerializeUncompressed())
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", kmssigner.ErrInvalidPublicKey, err)
	}
	return crypto.PubkeyToAddress(*ecdsaPub), nil
}

// SignTx signs tx for the signer's chain. The transaction type decides the
// v encoding, so the digest is signed with a bare recovery id.
func (s *Signer) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(s.chainID)
	hash := signer.Hash(tx)

	sig, err := s.provider.Sign(ctx, s.keyID, hash[:], nil)
	if err != nil {
		return nil, err
	}
	raw, err := sig.Bytes(nil)
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(signer, raw)
}

// SignMessage signs msg with the EIP-191 personal message prefix and returns
// the 65-byte signature with v of 27 or 28.
func (s *Signer) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	sig, err := s.provider.Sign(ctx, s.keyID, accounts.TextHash(msg), nil)
	if err != nil {
		return nil, err
	}
	raw, err := sig.Bytes(nil)
	if err != nil {
		return nil, err
	}
	raw[crypto.RecoveryIDOffset] += secp256k1.LegacyVOffset
	return raw, nil
}

// TransactOpts returns bind options that sign through the provider, for use
// with abigen contract bindings.
func (s *Signer) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	from, err := s.Address(ctx)
	if err != nil {
		return nil, err
	}
	return &bind.TransactOpts{
		From:    from,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, ErrAddressMismatch
			}
			return s.SignTx(ctx, tx)
		},
	}, nil
}
