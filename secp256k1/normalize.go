package secp256k1

import (
	"bytes"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const (
	// DigestLength is the size of the SHA-256 sized digests this package signs.
	DigestLength = 32

	// LegacyVOffset is added to the recovery id when no chain id is bound.
	LegacyVOffset = 27

	// EIP155VOffset is added to chainID*2 + recovery id under EIP-155.
	EIP155VOffset = 35

	// compactHeaderBase is the btcec compact signature header for an
	// uncompressed key with recovery id 0.
	compactHeaderBase = 27
)

var (
	curveOrder = btcec.S256().N
	halfOrder  = new(big.Int).Rsh(curveOrder, 1)
)

// RecoverableSignature is a low-S ECDSA signature over a digest together
// with the v value identifying which public key it recovers to.
type RecoverableSignature struct {
	R [32]byte
	S [32]byte
	V uint64
}

// Normalize converts the DER signature returned by a custody backend into a
// RecoverableSignature for publicKey (DER SubjectPublicKeyInfo) and digest.
//
// High-S signatures are folded into the lower half of the curve order. The
// recovery id is found by recovering both candidate public keys and comparing
// each to publicKey, so the id is always consistent with the final s. A nil
// chainID selects the legacy v encoding, otherwise EIP-155 is used.
func Normalize(der, publicKey, digest []byte, chainID *big.Int) (*RecoverableSignature, error) {
	if len(digest) != DigestLength {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest))
	}

	r, s, err := ParseDERSignature(der)
	if err != nil {
		return nil, err
	}

	pub, err := ParsePKIXPublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	if s.Cmp(halfOrder) > 0 {
		s.Sub(curveOrder, s)
	}

	recoveryID, err := findRecoveryID(r, s, digest, pub)
	if err != nil {
		return nil, err
	}

	v, err := EncodeV(recoveryID, chainID)
	if err != nil {
		return nil, err
	}

	sig := &RecoverableSignature{V: v}
	r.FillBytes(sig.R[:])
	s.FillBytes(sig.S[:])
	return sig, nil
}

// FromCompact builds a RecoverableSignature from a 65-byte btcec compact
// signature (header || R || S) as produced by ecdsa.SignCompact.
func FromCompact(compact []byte, chainID *big.Int) (*RecoverableSignature, error) {
	if len(compact) != 65 {
		return nil, fmt.Errorf("%w: compact signature must be 65 bytes, got %d", ErrInvalidSignatureEncoding, len(compact))
	}

	header := compact[0]
	if header < compactHeaderBase || header > compactHeaderBase+7 {
		return nil, fmt.Errorf("%w: bad compact header %d", ErrInvalidSignatureEncoding, header)
	}
	recoveryID := (header - compactHeaderBase) & 0x03
	if recoveryID > 1 {
		return nil, fmt.Errorf("%w: recovery id %d requires r >= N", ErrInvalidSignatureEncoding, recoveryID)
	}

	r := new(big.Int).SetBytes(compact[1:33])
	s := new(big.Int).SetBytes(compact[33:65])
	if !inScalarRange(r) || !inScalarRange(s) {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidSignatureEncoding)
	}
	if s.Cmp(halfOrder) > 0 {
		return nil, fmt.Errorf("%w: s is not canonical", ErrInvalidSignatureEncoding)
	}

	v, err := EncodeV(recoveryID, chainID)
	if err != nil {
		return nil, err
	}

	sig := &RecoverableSignature{V: v}
	copy(sig.R[:], compact[1:33])
	copy(sig.S[:], compact[33:65])
	return sig, nil
}

// EncodeV returns 27+recoveryID when chainID is nil and
// chainID*2+35+recoveryID otherwise. ErrChainIDOutOfRange is returned when
// chainID is negative or the result does not fit in a uint64.
func EncodeV(recoveryID byte, chainID *big.Int) (uint64, error) {
	if recoveryID > 1 {
		return 0, fmt.Errorf("%w: recovery id %d", ErrInvalidV, recoveryID)
	}
	if chainID == nil {
		return LegacyVOffset + uint64(recoveryID), nil
	}
	if chainID.Sign() < 0 || !chainID.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrChainIDOutOfRange, chainID)
	}

	hi, doubled := bits.Mul64(chainID.Uint64(), 2)
	v, carry := bits.Add64(doubled, EIP155VOffset+uint64(recoveryID), 0)
	if hi != 0 || carry != 0 {
		return 0, fmt.Errorf("%w: %s", ErrChainIDOutOfRange, chainID)
	}
	return v, nil
}

// RecoveryIDFromV inverts EncodeV. For a nil chainID both the 27/28 and the
// raw 0/1 conventions are accepted.
func RecoveryIDFromV(v uint64, chainID *big.Int) (byte, error) {
	if chainID == nil {
		switch {
		case v <= 1:
			return byte(v), nil
		case v == LegacyVOffset || v == LegacyVOffset+1:
			return byte(v - LegacyVOffset), nil
		default:
			return 0, fmt.Errorf("%w: legacy v %d", ErrInvalidV, v)
		}
	}

	base, err := EncodeV(0, chainID)
	if err != nil {
		return 0, err
	}
	if v < base || v-base > 1 {
		return 0, fmt.Errorf("%w: v %d for chain id %s", ErrInvalidV, v, chainID)
	}
	return byte(v - base), nil
}

// RecoveryID returns the 0/1 recovery id encoded in sig.V.
func (sig *RecoverableSignature) RecoveryID(chainID *big.Int) (byte, error) {
	return RecoveryIDFromV(sig.V, chainID)
}

// Bytes returns the 65-byte R || S || recoveryID form accepted by
// go-ethereum's crypto.SigToPub and types.Transaction.WithSignature.
func (sig *RecoverableSignature) Bytes(chainID *big.Int) ([]byte, error) {
	recoveryID, err := sig.RecoveryID(chainID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out[:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = recoveryID
	return out, nil
}

// RecoverPublicKey recovers the signing public key from sig and digest.
func RecoverPublicKey(sig *RecoverableSignature, digest []byte, chainID *big.Int) (*btcec.PublicKey, error) {
	if len(digest) != DigestLength {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest))
	}
	recoveryID, err := sig.RecoveryID(chainID)
	if err != nil {
		return nil, err
	}

	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	pub, _, err := ecdsa.RecoverCompact(compactSignature(r, s, recoveryID), digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureEncoding, err)
	}
	return pub, nil
}

// findRecoveryID tries both recovery ids; r >= N candidates are not searched.
func findRecoveryID(r, s *big.Int, digest []byte, pub *btcec.PublicKey) (byte, error) {
	want := pub.SerializeUncompressed()
	for recoveryID := byte(0); recoveryID < 2; recoveryID++ {
		candidate, _, err := ecdsa.RecoverCompact(compactSignature(r, s, recoveryID), digest)
		if err != nil {
			continue
		}
		if bytes.Equal(candidate.SerializeUncompressed(), want) {
			return recoveryID, nil
		}
	}
	return 0, ErrRecoveryIDNotFound
}

func compactSignature(r, s *big.Int, recoveryID byte) []byte {
	compact := make([]byte, 65)
	compact[0] = compactHeaderBase + recoveryID
	r.FillBytes(compact[1:33])
	s.FillBytes(compact[33:65])
	return compact
}
