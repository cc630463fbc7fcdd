package openbao

import (
	"errors"
	"fmt"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
)

// Sentinel errors
var (
	ErrMissingAddr  = errors.New("openbao: Addr is required")
	ErrMissingToken = errors.New("openbao: Token is required")
	ErrAuth         = errors.New("openbao: authentication failed")
	ErrSealed       = errors.New("openbao: server is sealed")
	ErrConnection   = fmt.Errorf("%w: openbao connection failed", kmssigner.ErrBackendUnavailable)
)

// Error represents an OpenBao API error.
type Error struct {
	StatusCode int
	Errors     []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("OpenBao error (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("OpenBao error (HTTP %d): %s", e.StatusCode, e.Errors[0])
}

// Is maps HTTP status codes onto sentinel errors. 5xx responses and
// throttling are reported as an unavailable backend so callers may retry.
// Other client errors are rejections.
func (e *Error) Is(target error) bool {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return target == ErrAuth || target == kmssigner.ErrBackendRejected
	case e.StatusCode == 404:
		return target == kmssigner.ErrKeyNotFound
	case e.StatusCode == 400 && len(e.Errors) > 0 && e.Errors[0] == "key not found":
		return target == kmssigner.ErrKeyNotFound
	case e.StatusCode == 503:
		return target == ErrSealed || target == kmssigner.ErrBackendUnavailable
	case e.StatusCode == 429 || e.StatusCode >= 500:
		return target == kmssigner.ErrBackendUnavailable
	case e.StatusCode >= 400:
		return target == kmssigner.ErrBackendRejected
	default:
		return false
	}
}
