package kmssigner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// Well-known development mnemonic used by Hardhat and Anvil.
const testMnemonic = "test test test test test test test test test test test junk"

func setupLocalCustody(t *testing.T) *LocalCustody {
	t.Helper()
	c, err := NewLocalCustody(testMnemonic, "")
	require.NoError(t, err)
	return c
}

func TestNewLocalCustody_InvalidMnemonic(t *testing.T) {
	_, err := NewLocalCustody("not a valid mnemonic", "")
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestLocalCustody_DerivesKnownKey(t *testing.T) {
	c := setupLocalCustody(t)

	privKey, err := c.privateKey(DefaultHDPath)
	require.NoError(t, err)
	assert.Equal(t,
		"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		hex.EncodeToString(privKey.Serialize()),
	)
}

func TestLocalCustody_PublicKey(t *testing.T) {
	c := setupLocalCustody(t)

	der, err := c.PublicKey(context.Background(), DefaultHDPath)
	require.NoError(t, err)
	pub, err := secp256k1.ParsePKIXPublicKey(der)
	require.NoError(t, err)

	other, err := c.PublicKey(context.Background(), "m/44'/60'/0'/0/1")
	require.NoError(t, err)
	assert.NotEqual(t, der, other)

	privKey, err := c.privateKey(DefaultHDPath)
	require.NoError(t, err)
	assert.True(t, pub.IsEqual(privKey.PubKey()))
}

func TestLocalCustody_Sign(t *testing.T) {
	c := setupLocalCustody(t)
	der, err := c.PublicKey(context.Background(), DefaultHDPath)
	require.NoError(t, err)
	want, err := secp256k1.ParsePKIXPublicKey(der)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("local"))
	for _, chainID := range []*big.Int{nil, big.NewInt(1), big.NewInt(137)} {
		sig, err := c.Sign(context.Background(), DefaultHDPath, digest[:], chainID)
		require.NoError(t, err)
		assert.True(t, recoverFrom(t, sig, digest[:], chainID).IsEqual(want))
	}
}

func TestLocalCustody_Errors(t *testing.T) {
	c := setupLocalCustody(t)
	digest := sha256.Sum256([]byte("x"))

	_, err := c.Sign(context.Background(), "not/a/path", digest[:], nil)
	assert.ErrorIs(t, err, ErrInvalidKeyPath)

	_, err = c.PublicKey(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidKeyPath)

	_, err = c.Sign(context.Background(), DefaultHDPath, digest[:16], nil)
	assert.ErrorIs(t, err, ErrInvalidDigest)
}
