package kmssigner

import (
	"context"
	"fmt"
	"math/big"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/cosmos/cosmos-sdk/crypto/hd"

	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// BackendLocal is the backend label of LocalCustody.
const BackendLocal = "local"

// LocalCustody implements Provider with keys derived in-process from a BIP39
// mnemonic. Key ids are BIP44 paths such as m/44'/60'/0'/0/0.
type LocalCustody struct {
	mnemonic   string
	passphrase string
	derive     hd.DeriveFn
}

// Verify interface compliance
var _ Provider = (*LocalCustody)(nil)

// NewLocalCustody creates a LocalCustody from a mnemonic and optional BIP39
// passphrase.
func NewLocalCustody(mnemonic, bip39Passphrase string) (*LocalCustody, error) {
	c := &LocalCustody{
		mnemonic:   mnemonic,
		passphrase: bip39Passphrase,
		derive:     hd.Secp256k1.Derive(),
	}

	raw, err := c.derive(mnemonic, bip39Passphrase, DefaultHDPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	secureZero(raw)
	return c, nil
}

// PublicKey returns the DER public key at the derivation path keyID.
func (c *LocalCustody) PublicKey(_ context.Context, keyID string) ([]byte, error) {
	privKey, err := c.privateKey(keyID)
	if err != nil {
		return nil, WrapKeyError("public key", keyID, err)
	}
	defer privKey.Zero()

	return secp256k1.MarshalPKIXPublicKey(privKey.PubKey())
}

// Sign signs digest with the key at derivation path keyID.
func (c *LocalCustody) Sign(_ context.Context, keyID string, digest []byte, chainID *big.Int) (*RecoverableSignature, error) {
	if len(digest) != DigestLength {
		return nil, WrapKeyError("sign", keyID, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest)))
	}

	privKey, err := c.privateKey(keyID)
	if err != nil {
		return nil, WrapKeyError("sign", keyID, err)
	}
	defer privKey.Zero()

	compact := ecdsa.SignCompact(privKey, digest, false)

	sig, err := secp256k1.FromCompact(compact, chainID)
	if err != nil {
		return nil, WrapKeyError("sign", keyID, err)
	}
	return sig, nil
}

func (c *LocalCustody) privateKey(path string) (*btcec.PrivateKey, error) {
	if _, err := hd.NewParamsFromPath(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPath, err)
	}

	raw, err := c.derive(c.mnemonic, c.passphrase, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPath, err)
	}
	defer secureZero(raw)

	privKey, _ := btcec.PrivKeyFromBytes(raw)
	return privKey, nil
}

// secureZero wipes sensitive data from memory.
func secureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
