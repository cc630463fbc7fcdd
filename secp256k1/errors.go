package secp256k1

import "errors"

var (
	ErrInvalidSignatureEncoding = errors.New("secp256k1: invalid signature encoding")
	ErrRecoveryIDNotFound       = errors.New("secp256k1: no recovery id matches public key")
	ErrChainIDOutOfRange        = errors.New("secp256k1: chain id out of range")
	ErrInvalidPublicKey         = errors.New("secp256k1: invalid public key")
	ErrInvalidDigest            = errors.New("secp256k1: digest must be 32 bytes")
	ErrInvalidV                 = errors.New("secp256k1: v does not encode a recovery id")
)
