// Package secp256k1 turns DER-encoded ECDSA signatures produced by a key
// custody backend into canonical recoverable signatures.
package secp256k1

import (
	encoding_asn1 "encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidPublicKeyECDSA      = encoding_asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidNamedCurveSecp256k1 = encoding_asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

// ParseDERSignature parses a DER SEQUENCE of two INTEGERs into r and s.
// Both values must lie in [1, N-1].
func ParseDERSignature(der []byte) (r, s *big.Int, err error) {
	r, s = new(big.Int), new(big.Int)

	input := cryptobyte.String(der)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, fmt.Errorf("%w: malformed DER sequence", ErrInvalidSignatureEncoding)
	}

	if !inScalarRange(r) {
		return nil, nil, fmt.Errorf("%w: r out of range", ErrInvalidSignatureEncoding)
	}
	if !inScalarRange(s) {
		return nil, nil, fmt.Errorf("%w: s out of range", ErrInvalidSignatureEncoding)
	}
	return r, s, nil
}

// MarshalDERSignature encodes r and s as a DER SEQUENCE of two INTEGERs.
func MarshalDERSignature(r, s *big.Int) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// ParsePKIXPublicKey parses a DER SubjectPublicKeyInfo holding a secp256k1
// point (id-ecPublicKey with the secp256k1 named curve).
func ParsePKIXPublicKey(der []byte) (*btcec.PublicKey, error) {
	input := cryptobyte.String(der)
	var (
		spki, algo        cryptobyte.String
		algoOID, curveOID encoding_asn1.ObjectIdentifier
		point             encoding_asn1.BitString
	)
	if !input.ReadASN1(&spki, asn1.SEQUENCE) ||
		!input.Empty() ||
		!spki.ReadASN1(&algo, asn1.SEQUENCE) ||
		!algo.ReadASN1ObjectIdentifier(&algoOID) ||
		!algo.ReadASN1ObjectIdentifier(&curveOID) ||
		!algo.Empty() ||
		!spki.ReadASN1BitString(&point) ||
		!spki.Empty() {
		return nil, fmt.Errorf("%w: malformed SubjectPublicKeyInfo", ErrInvalidPublicKey)
	}

	if !algoOID.Equal(oidPublicKeyECDSA) {
		return nil, fmt.Errorf("%w: algorithm %s is not id-ecPublicKey", ErrInvalidPublicKey, algoOID)
	}
	if !curveOID.Equal(oidNamedCurveSecp256k1) {
		return nil, fmt.Errorf("%w: curve %s is not secp256k1", ErrInvalidPublicKey, curveOID)
	}
	if point.BitLength%8 != 0 {
		return nil, fmt.Errorf("%w: point is not byte aligned", ErrInvalidPublicKey)
	}

	pub, err := btcec.ParsePubKey(point.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// MarshalPKIXPublicKey encodes pub as a DER SubjectPublicKeyInfo with an
// uncompressed X9.62 point.
func MarshalPKIXPublicKey(pub *btcec.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key cannot be nil", ErrInvalidPublicKey)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPublicKeyECDSA)
			b.AddASN1ObjectIdentifier(oidNamedCurveSecp256k1)
		})
		b.AddASN1BitString(pub.SerializeUncompressed())
	})
	return b.Bytes()
}

// NormalizePublicKey accepts a PEM or DER SubjectPublicKeyInfo and returns the
// canonical DER encoding with an uncompressed point.
func NormalizePublicKey(data []byte) ([]byte, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidPublicKey, block.Type)
		}
		der = block.Bytes
	}

	pub, err := ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	return MarshalPKIXPublicKey(pub)
}

func inScalarRange(v *big.Int) bool {
	return v.Sign() > 0 && v.Cmp(curveOrder) < 0
}
