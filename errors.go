package kmssigner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// Sentinel errors - Configuration
var (
	ErrUnresolvedPath = errors.New("kmssigner: key ring path is not configured")
	ErrMissingClient  = errors.New("kmssigner: KMS client is required")
	ErrMissingStore   = errors.New("kmssigner: StorePath is required")
	ErrInvalidKeyPath = errors.New("kmssigner: invalid HD derivation path")
	ErrInvalidSeed    = errors.New("kmssigner: invalid mnemonic")
)

// Sentinel errors - Backend
var (
	ErrBackendUnavailable = errors.New("kmssigner: backend unavailable")
	ErrBackendRejected    = errors.New("kmssigner: request rejected by backend")
	ErrMalformedResponse  = errors.New("kmssigner: malformed backend response")
	ErrTransitCorruption  = errors.New("kmssigner: payload corrupted in transit")
	ErrKeyNotFound        = errors.New("kmssigner: key not found")
	ErrKeyExists          = errors.New("kmssigner: key already exists")
)

// Sentinel errors - Signatures. These alias the secp256k1 package errors so
// callers can match on either.
var (
	ErrInvalidDigest            = secp256k1.ErrInvalidDigest
	ErrInvalidSignatureEncoding = secp256k1.ErrInvalidSignatureEncoding
	ErrRecoveryIDNotFound       = secp256k1.ErrRecoveryIDNotFound
	ErrChainIDOutOfRange        = secp256k1.ErrChainIDOutOfRange
	ErrInvalidPublicKey         = secp256k1.ErrInvalidPublicKey
)

// Sentinel errors - Store
var (
	ErrStorePersist   = errors.New("kmssigner: failed to persist")
	ErrStoreCorrupted = errors.New("kmssigner: store corrupted")
)

// Direction identifies which leg of a checksummed exchange was corrupted.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// TransitCorruptionError reports a CRC32C mismatch on one leg of a backend
// exchange.
type TransitCorruptionError struct {
	Direction Direction
	Want      uint32
	Got       uint32
}

// Error implements the error interface.
func (e *TransitCorruptionError) Error() string {
	if e.Direction == DirectionRequest {
		return "kmssigner: request corrupted in transit"
	}
	return fmt.Sprintf("kmssigner: response corrupted in transit (crc32c %08x, computed %08x)", e.Want, e.Got)
}

// Is matches ErrTransitCorruption regardless of direction.
func (e *TransitCorruptionError) Is(target error) bool {
	return target == ErrTransitCorruption
}

// KeyError wraps an error with key context.
type KeyError struct {
	KeyID string
	Op    string
	Err   error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	return fmt.Sprintf("%s key %q: %v", e.Op, e.KeyID, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *KeyError) Unwrap() error {
	return e.Err
}

// WrapKeyError wraps an error with key operation context.
// Returns nil if the provided error is nil.
func WrapKeyError(op, keyID string, err error) error {
	if err == nil {
		return nil
	}
	return &KeyError{
		KeyID: keyID,
		Op:    op,
		Err:   err,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError with the given field and message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsRetryable reports whether the failed call may be retried as is.
// Transport failures and transit corruption are retryable. Rejections,
// configuration errors and signature defects are not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrTransitCorruption)
}

// ErrorKind returns a short stable label for err, used in logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnresolvedPath):
		return "unresolved_path"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrBackendRejected):
		return "backend_rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrTransitCorruption):
		return "transit_corruption"
	case errors.Is(err, ErrInvalidSignatureEncoding):
		return "invalid_signature_encoding"
	case errors.Is(err, ErrRecoveryIDNotFound):
		return "recovery_id_not_found"
	case errors.Is(err, ErrChainIDOutOfRange):
		return "chain_id_out_of_range"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrInvalidDigest), errors.Is(err, ErrInvalidKeyPath), isValidationError(err):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// backendError classifies an error returned by a KMSClient. Errors that
// already carry a kind pass through. Unclassified transport failures are
// reported as an unavailable backend; anything else is a rejection.
func backendError(err error) error {
	switch {
	case isValidationError(err), errors.Is(err, context.Canceled),
		errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrKeyExists),
		errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrTransitCorruption),
		errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrBackendRejected):
		return err
	case isTransportError(err):
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrBackendRejected, err)
}

func isTransportError(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr)
}

func isValidationError(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}
