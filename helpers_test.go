package kmssigner

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

var testPath = KeyRingPath{ProjectID: "proj", LocationID: "global", KeyRingID: "ring"}

// fakeKMS is an in-memory KMSClient that signs with real secp256k1 keys.
type fakeKMS struct {
	mu   sync.Mutex
	keys map[string]*btcec.PrivateKey // by crypto key name

	highS              bool
	returnPEM          bool
	pemChecksum        bool
	corruptPEMChecksum bool
	rejectRequestCRC   bool
	corruptResponseCRC bool
	omitResponseCRC    bool
	dropSignature      bool
	publicKeyOverride  *btcec.PublicKey
	err                error

	signRequests   []*AsymmetricSignRequest
	createdRings   []string
	publicKeyCalls int
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{keys: make(map[string]*btcec.PrivateKey)}
}

// addKey registers a fresh key under keyID in testPath.
func (f *fakeKMS) addKey(t *testing.T, keyID string) *btcec.PrivateKey {
	t.Helper()
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[testPath.CryptoKeyName(keyID)] = privKey
	return privKey
}

func (f *fakeKMS) lookup(resourcePath string) (*btcec.PrivateKey, error) {
	name, err := ParseResourceName(resourcePath)
	if err != nil {
		return nil, err
	}
	if name.Version != DefaultKeyVersion {
		return nil, fmt.Errorf("unexpected key version %q", name.Version)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	privKey, ok := f.keys[name.CryptoKeyName(name.KeyID)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return privKey, nil
}

func (f *fakeKMS) FetchPublicKey(_ context.Context, resourcePath string) (*PublicKeyResponse, error) {
	f.mu.Lock()
	f.publicKeyCalls++
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	privKey, err := f.lookup(resourcePath)
	if err != nil {
		return nil, err
	}

	pub := privKey.PubKey()
	if f.publicKeyOverride != nil {
		pub = f.publicKeyOverride
	}
	der, err := secp256k1.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	if !f.returnPEM {
		return &PublicKeyResponse{DER: der}, nil
	}

	resp := &PublicKeyResponse{PEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))}
	if f.pemChecksum {
		crc := Checksum([]byte(resp.PEM))
		if f.corruptPEMChecksum {
			crc ^= 0xff
		}
		resp.PEMCRC32C = &crc
	}
	return resp, nil
}

func (f *fakeKMS) AsymmetricSign(_ context.Context, req *AsymmetricSignRequest) (*AsymmetricSignResponse, error) {
	f.mu.Lock()
	f.signRequests = append(f.signRequests, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	privKey, err := f.lookup(req.ResourcePath)
	if err != nil {
		return nil, err
	}
	if f.dropSignature {
		return &AsymmetricSignResponse{VerifiedDigestCRC32C: true}, nil
	}

	der := ecdsa.Sign(privKey, req.Digest).Serialize()
	if f.highS {
		r, s, err := secp256k1.ParseDERSignature(der)
		if err != nil {
			return nil, err
		}
		s.Sub(btcec.S256().N, s)
		if der, err = secp256k1.MarshalDERSignature(r, s); err != nil {
			return nil, err
		}
	}

	resp := &AsymmetricSignResponse{
		Signature:            der,
		VerifiedDigestCRC32C: !f.rejectRequestCRC && req.DigestCRC32C == Checksum(req.Digest),
	}
	if !f.omitResponseCRC {
		crc := Checksum(der)
		if f.corruptResponseCRC {
			crc ^= 0x01
		}
		resp.SignatureCRC32C = &crc
	}
	return resp, nil
}

func (f *fakeKMS) CreateKey(_ context.Context, parentPath, keyID string, spec KeySpec) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if spec != DefaultKeySpec {
		return "", errors.New("unexpected key spec")
	}
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", err
	}

	name := parentPath + "/cryptoKeys/" + keyID
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = privKey
	return name, nil
}

func (f *fakeKMS) CreateKeyRing(_ context.Context, parentPath, keyRingID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	name := parentPath + "/keyRings/" + keyRingID
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdRings = append(f.createdRings, name)
	return name, nil
}

// mapCache is a PublicKeyCache backed by a map.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	err     error
}

func (c *mapCache) Get(_ context.Context, name string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	der, ok := c.entries[name]
	return der, ok, nil
}

func (c *mapCache) Set(_ context.Context, name string, der []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[name] = der
	return nil
}

// setupRemoteCustody creates a RemoteCustody over a fake backend with testPath set.
func setupRemoteCustody(t *testing.T) (*RemoteCustody, *fakeKMS) {
	t.Helper()

	kms := newFakeKMS()
	custody, err := NewRemoteCustody(Config{Client: kms, Path: &testPath})
	require.NoError(t, err)
	return custody, kms
}

// recoverFrom checks sig against digest and returns the recovered key.
func recoverFrom(t *testing.T, sig *RecoverableSignature, digest []byte, chainID *big.Int) *btcec.PublicKey {
	t.Helper()
	pub, err := secp256k1.RecoverPublicKey(sig, digest, chainID)
	require.NoError(t, err)
	return pub
}
